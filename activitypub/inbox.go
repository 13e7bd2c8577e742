package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quollsocial/quoll/domain"
)

// handlerFunc applies the side effects of one activity type. It returns
// the (possibly mutated) document to persist as an envelope, or nil
// when no envelope should be stored.
type handlerFunc func(s *Service, signer *domain.Account, doc ASDict) (ASDict, error)

// inboxHandlers routes an inbound activity by its type tag. Types not
// listed here are acknowledged but ignored.
var inboxHandlers = map[string]handlerFunc{
	"Create":   (*Service).handleCreate,
	"Follow":   (*Service).handleFollow,
	"Accept":   (*Service).handleAccept,
	"Undo":     (*Service).handleUndo,
	"Like":     (*Service).handleLike,
	"Announce": (*Service).handleAnnounce,
}

// HandleActivity runs the inbox state machine for one inbound activity:
// dedup, actor-identity check, type routing, side effects, envelope
// persistence. Replaying an activity with a known id is a no-op.
func (s *Service) HandleActivity(signer *domain.Account, raw []byte) error {
	var doc ASDict
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}

	id := docString(doc, "id")
	activityType := docString(doc, "type")
	if id == "" || activityType == "" {
		return fmt.Errorf("%w: missing id or type", ErrInvalidForm)
	}

	// Idempotent replay
	if err, existing := s.DB.ReadActivityByURI(id); err == nil && existing != nil {
		log.Printf("Inbox: Activity %s already processed, skipping", id)
		return nil
	}

	if err := checkActor(signer, doc); err != nil {
		return err
	}

	handler, ok := inboxHandlers[activityType]
	if !ok {
		log.Printf("Inbox: Unsupported activity type %s, acknowledging", activityType)
		return nil
	}

	doc, err := handler(s, signer, doc)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	return s.persistEnvelope(doc, false)
}

// checkActor verifies that the authenticated signer is the activity's
// claimed actor. Embedded actor documents are normalized to a bare
// identifier reference in place.
func checkActor(signer *domain.Account, doc ASDict) error {
	actorID := getID(doc["actor"])
	if actorID == "" {
		return fmt.Errorf("%w: malformed actor field", ErrActorMismatch)
	}
	doc["actor"] = actorID

	if signer == nil {
		return fmt.Errorf("%w: no authenticated signer for %s", ErrActorMismatch, actorID)
	}
	if signer.ApID != actorID {
		return fmt.Errorf("%w: signed by %s, claimed %s", ErrActorMismatch, signer.ApID, actorID)
	}
	return nil
}

// persistEnvelope stores the activity document as a durable envelope
// with its computed recipient set. The lifecycle status lands in its
// own column; the stored JSON is wire-clean so it can be served back
// verbatim. A uniqueness conflict means a concurrent delivery of the
// same activity already persisted it.
func (s *Service) persistEnvelope(doc ASDict, local bool) error {
	status := internalStatus(doc)
	if status == "" {
		status = domain.StatusNormal
	}

	raw, err := json.Marshal(sanitizeOutgoing(doc))
	if err != nil {
		return err
	}

	envelope := &domain.ASActivity{
		Id:           uuid.New(),
		ActivityURI:  docString(doc, "id"),
		ActivityType: docString(doc, "type"),
		ActorURI:     getID(doc["actor"]),
		ObjectURI:    getID(doc["object"]),
		RawJSON:      string(raw),
		Recipients:   s.activityRecipients(doc),
		Status:       status,
		Local:        local,
		CreatedAt:    time.Now(),
	}

	if err := s.DB.CreateActivityRecord(envelope); err != nil {
		if dbIsUniqueViolation(err) {
			log.Printf("Inbox: Activity %s stored concurrently, skipping", envelope.ActivityURI)
			return nil
		}
		return fmt.Errorf("failed to store activity: %w", err)
	}
	return nil
}

// activityRecipients collects the de-duplicated recipient IRIs of an
// activity: to/cc/bcc plus the actor, plus the recipients of the
// referenced object's originating activity.
func (s *Service) activityRecipients(doc ASDict) []string {
	seen := make(map[string]struct{})
	var recipients []string

	add := func(iri string) {
		if iri == "" {
			return
		}
		if _, ok := seen[iri]; ok {
			return
		}
		seen[iri] = struct{}{}
		recipients = append(recipients, iri)
	}

	for _, field := range []string{"to", "cc", "bcc"} {
		for _, iri := range stringSlice(doc[field]) {
			add(iri)
		}
	}
	add(getID(doc["actor"]))

	if objectID := getID(doc["object"]); objectID != "" {
		if err, create := s.DB.ReadCreateActivityByObjectURI(objectID); err == nil && create != nil {
			for _, iri := range create.Recipients {
				add(iri)
			}
		}
	}

	return recipients
}

// handleCreate persists the wrapped content object. The object must
// live on the same domain as the activity; embedded documents are
// stored and replaced with a bare identifier reference. A Create for an
// object we already hold is a duplicate and produces no envelope.
func (s *Service) handleCreate(signer *domain.Account, doc ASDict) (ASDict, error) {
	objectID := getID(doc["object"])
	if objectID == "" {
		return nil, fmt.Errorf("%w: Create without object", ErrInvalidForm)
	}

	if hostOf(objectID) != hostOf(docString(doc, "id")) {
		return nil, fmt.Errorf("%w: object %s vs activity %s", ErrDomainMismatch, objectID, docString(doc, "id"))
	}

	if err, existing := s.DB.ReadObjectByURI(objectID); err == nil && existing != nil {
		log.Printf("Inbox: Object %s already created, dropping duplicate Create", objectID)
		return nil, nil
	}

	if embedded, ok := doc["object"].(map[string]interface{}); ok {
		if _, err := s.SaveObject(embedded); err != nil {
			return nil, err
		}
		doc["object"] = objectID
	} else {
		if _, err := s.GetOrFetchObject(objectID, nil); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// handleFollow resolves the followee and runs the follow handshake. An
// unlocked local followee accepts immediately; a locked or remote one
// leaves the envelope pending.
func (s *Service) handleFollow(signer *domain.Account, doc ASDict) (ASDict, error) {
	followeeID := getID(doc["object"])
	if followeeID == "" {
		return nil, fmt.Errorf("%w: Follow without object", ErrInvalidForm)
	}

	followee, err := s.GetOrFetchActor(followeeID, nil)
	if err != nil {
		return nil, err
	}

	if followee.IsLocal(s.Conf.Conf.Domains) && !followee.Locked {
		if err := s.createFollowEdge(signer, followee, docString(doc, "id")); err != nil {
			return nil, err
		}

		accept := ASDict{
			"id":     fmt.Sprintf("https://%s/activities/%s", s.Conf.Domain(), uuid.New().String()),
			"type":   "Accept",
			"actor":  followee.ApID,
			"object": doc,
		}
		if err := s.Send(accept, []string{signer.ApID, followee.ApID}, "Accept"); err != nil {
			return nil, err
		}

		log.Printf("Inbox: Accepted follow %s -> %s", signer.Username, followee.Username)
		return doc, nil
	}

	// Locked local followee or remote followee: nothing happens until
	// an Accept arrives
	setInternalStatus(doc, domain.StatusPending)
	return doc, nil
}

// handleAccept completes a pending Follow handshake: the edge is
// created and the pending envelope removed. The Accept itself is not
// persisted.
func (s *Service) handleAccept(signer *domain.Account, doc ASDict) (ASDict, error) {
	followURI := getID(doc["object"])
	if followURI == "" {
		return nil, fmt.Errorf("%w: Accept without object", ErrInvalidForm)
	}

	err, pending := s.DB.ReadActivityByURI(followURI)
	if err != nil || pending == nil {
		return nil, fmt.Errorf("%w: pending follow %s", ErrObjectNotFound, followURI)
	}
	if pending.ActivityType != "Follow" {
		return nil, fmt.Errorf("%w: %s is not a Follow", ErrInvalidForm, followURI)
	}

	var followDoc ASDict
	if err := json.Unmarshal([]byte(pending.RawJSON), &followDoc); err != nil {
		return nil, fmt.Errorf("%w: stored follow %s unreadable", ErrInvalidForm, followURI)
	}

	follower, err := s.GetOrFetchActor(getID(followDoc["actor"]), nil)
	if err != nil {
		return nil, err
	}
	followee, err := s.GetOrFetchActor(getID(followDoc["object"]), nil)
	if err != nil {
		return nil, err
	}

	if err := s.createFollowEdge(follower, followee, followURI); err != nil {
		return nil, err
	}

	if err := s.DB.DeleteActivityByURI(followURI); err != nil {
		return nil, fmt.Errorf("failed to remove pending follow: %w", err)
	}

	log.Printf("Inbox: Follow %s accepted by %s", followURI, signer.Username)
	return nil, nil
}

// handleUndo retracts a previous activity. The target is looked up in
// the object store first, then among the stored envelopes; its recorded
// type decides the effect: Follow edges are removed, Likes are soft
// canceled but kept.
func (s *Service) handleUndo(signer *domain.Account, doc ASDict) (ASDict, error) {
	targetID := getID(doc["object"])
	if targetID == "" {
		return nil, fmt.Errorf("%w: Undo without object", ErrInvalidForm)
	}

	targetType := ""
	if err, obj := s.DB.ReadObjectByURI(targetID); err == nil && obj != nil {
		var objDoc ASDict
		if err := json.Unmarshal([]byte(obj.RawJSON), &objDoc); err == nil {
			targetType = docString(objDoc, "type")
		}
	} else if err, act := s.DB.ReadActivityByURI(targetID); err == nil && act != nil {
		targetType = act.ActivityType
	} else {
		return nil, fmt.Errorf("%w: undo target %s", ErrObjectNotFound, targetID)
	}

	switch targetType {
	case "Follow":
		if err := s.removeFollow(targetID); err != nil {
			return nil, err
		}
		log.Printf("Inbox: Removed follow %s", targetID)
	case "Like":
		if err := s.DB.UpdateActivityStatus(targetID, domain.StatusCanceled); err != nil {
			return nil, fmt.Errorf("failed to cancel like: %w", err)
		}
		log.Printf("Inbox: Canceled like %s", targetID)
	default:
		log.Printf("Inbox: Undo of %s type %s, nothing to retract", targetID, targetType)
	}

	return doc, nil
}

// removeFollow deletes the edge created by the given Follow activity
// and refreshes both parties' counters when they can be resolved.
func (s *Service) removeFollow(followURI string) error {
	err, stored := s.DB.ReadActivityByURI(followURI)

	if err := s.DB.DeleteFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}

	if err == nil && stored != nil {
		var followDoc ASDict
		if err := json.Unmarshal([]byte(stored.RawJSON), &followDoc); err == nil {
			err1, follower := s.DB.ReadAccountByApID(getID(followDoc["actor"]))
			err2, followee := s.DB.ReadAccountByApID(getID(followDoc["object"]))
			if err1 == nil && err2 == nil && follower != nil && followee != nil {
				return s.recomputeCounters(follower, followee)
			}
		}
	}
	return nil
}

// handleLike resolves the liked object; a Like of something we cannot
// resolve is rejected.
func (s *Service) handleLike(signer *domain.Account, doc ASDict) (ASDict, error) {
	return s.resolveTargetedActivity(doc)
}

// handleAnnounce is a boost: same resolution contract as Like.
func (s *Service) handleAnnounce(signer *domain.Account, doc ASDict) (ASDict, error) {
	return s.resolveTargetedActivity(doc)
}

func (s *Service) resolveTargetedActivity(doc ASDict) (ASDict, error) {
	objectID := getID(doc["object"])
	if objectID == "" {
		return nil, fmt.Errorf("%w: activity without object", ErrInvalidForm)
	}

	if _, err := s.GetOrFetchObject(objectID, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrObjectNotFound, objectID, err)
	}

	setInternalStatus(doc, domain.StatusNormal)
	return doc, nil
}
