package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quollsocial/quoll/domain"
)

// Send fans an outgoing activity out to remote inboxes: the recipient
// list (actor IRIs and/or followers-collection IRIs) is resolved to a
// de-duplicated inbox set, the envelope is persisted durably, and one
// delivery task per non-local inbox is scheduled. Durability precedes
// dispatch.
func (s *Service) Send(data ASDict, recipients []string, label string) error {
	actorID := getID(data["actor"])
	err, actor := s.DB.ReadAccountByApID(actorID)
	if err != nil || actor == nil {
		return fmt.Errorf("unknown sending actor %s: %v", actorID, err)
	}

	if getID(data["id"]) == "" {
		data["id"] = fmt.Sprintf("https://%s/activities/%s", s.Conf.Domain(), uuid.New().String())
	}

	inboxes := s.resolveInboxes(recipients)

	envelope := &domain.ASActivity{
		Id:           uuid.New(),
		ActivityURI:  docString(data, "id"),
		ActivityType: docString(data, "type"),
		ActorURI:     actorID,
		ObjectURI:    getID(data["object"]),
		Recipients:   inboxes,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	envelope.Status = internalStatus(data)
	if envelope.Status == "" {
		envelope.Status = domain.StatusNormal
	}
	// Internal-only fields never cross the wire, and the stored JSON is
	// the same wire-clean form so it can be served back verbatim
	payload, err2 := json.Marshal(sanitizeOutgoing(data))
	if err2 != nil {
		return err2
	}
	envelope.RawJSON = string(payload)

	if err := s.DB.CreateActivityRecord(envelope); err != nil {
		if !dbIsUniqueViolation(err) {
			return fmt.Errorf("failed to store outgoing activity: %w", err)
		}
	}

	queued := 0
	for _, inbox := range inboxes {
		if s.Conf.IsLocalDomain(hostOf(inbox)) {
			continue
		}

		item := &domain.DeliveryQueueItem{
			Id:           uuid.New(),
			InboxURI:     inbox,
			ActorURI:     actor.ApID,
			ActivityJSON: string(payload),
			Attempts:     0,
			NextRetryAt:  time.Now(),
			CreatedAt:    time.Now(),
		}
		if err := s.DB.EnqueueDelivery(item); err != nil {
			log.Printf("Delivery: Failed to queue %s to %s: %v", label, inbox, err)
			continue
		}
		queued++
	}

	log.Printf("Delivery: Queued %s %s to %d inboxes", label, envelope.ActivityURI, queued)
	return nil
}

// resolveInboxes expands a recipient list into the unique inbox IRIs of
// matching accounts. A followers-collection IRI expands to every
// follower's inbox.
func (s *Service) resolveInboxes(recipients []string) []string {
	seen := make(map[string]struct{})
	var inboxes []string

	add := func(inbox string) {
		if inbox == "" {
			return
		}
		if _, ok := seen[inbox]; ok {
			return
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}

	for _, recipient := range recipients {
		if recipient == PublicAddress {
			continue
		}

		if err, acc := s.DB.ReadAccountByApID(recipient); err == nil && acc != nil {
			add(acc.InboxURI)
			continue
		}

		if err, owner := s.DB.ReadAccountByFollowersURI(recipient); err == nil && owner != nil {
			err, followerInboxes := s.DB.ReadFollowerInboxes(owner.Id)
			if err != nil {
				log.Printf("Delivery: Failed to expand followers of %s: %v", owner.Username, err)
				continue
			}
			for _, inbox := range followerInboxes {
				add(inbox)
			}
		}
	}

	return inboxes
}

// StartDeliveryWorker starts the background worker draining the
// delivery queue. Deliveries are independent; one inbox failing does
// not block another.
func (s *Service) StartDeliveryWorker() {
	log.Println("Starting delivery worker...")

	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for range ticker.C {
			s.processDeliveryQueue()
		}
	}()
}

func (s *Service) processDeliveryQueue() {
	err, items := s.DB.ReadPendingDeliveries(50)
	if err != nil {
		log.Printf("Delivery: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("Delivery: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		if err := s.deliverActivity(&item); err != nil {
			// Failed delivery - retry with exponential backoff
			item.Attempts++
			backoffMinutes := []int{1, 5, 15, 60, 240, 1440}[min(item.Attempts-1, 5)]
			item.NextRetryAt = time.Now().Add(time.Duration(backoffMinutes) * time.Minute)

			if item.Attempts >= 10 {
				log.Printf("Delivery: Giving up on %s after %d attempts", item.InboxURI, item.Attempts)
				s.DB.DeleteDelivery(item.Id)
			} else {
				log.Printf("Delivery: POST to %s failed (attempt %d), retry in %dm: %v",
					item.InboxURI, item.Attempts, backoffMinutes, err)
				s.DB.UpdateDeliveryAttempt(item.Id, item.Attempts, item.NextRetryAt)
			}
		} else {
			log.Printf("Delivery: Delivered to %s", item.InboxURI)
			s.DB.DeleteDelivery(item.Id)
		}
	}
}

// deliverActivity performs one signed POST to a remote inbox under the
// originating account's key.
func (s *Service) deliverActivity(item *domain.DeliveryQueueItem) error {
	err, account := s.DB.ReadAccountByApID(item.ActorURI)
	if err != nil || account == nil {
		return fmt.Errorf("signing account %s not found: %v", item.ActorURI, err)
	}

	return s.Client.Post(item.InboxURI, account, []byte(item.ActivityJSON))
}
