package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quollsocial/quoll/domain"
)

// maxContextDepth bounds reply-chain recursion during context
// resolution. Chains longer than this (or cyclic ones) get a fresh
// context instead of an error.
const maxContextDepth = 8

// GetOrFetchObject returns the stored content object for the given IRI,
// fetching and persisting the remote document on a cache miss.
func (s *Service) GetOrFetchObject(id string, as *domain.Account) (*domain.ASObject, error) {
	err, cached := s.DB.ReadObjectByURI(id)
	if err == nil && cached != nil {
		return cached, nil
	}

	body, err := s.Client.Get(id, as)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrRemoteFetch, id, err)
	}

	var doc ASDict
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrRemoteFetch, id, err)
	}

	return s.SaveObject(doc)
}

// SaveObject persists a content object: its conversation context is
// resolved first, then the document is upserted by id. Saving a Note or
// Article bumps its actor's post counter when the actor is known.
func (s *Service) SaveObject(doc ASDict) (*domain.ASObject, error) {
	id := docString(doc, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: object without id", ErrInvalidForm)
	}

	doc = s.ensureContext(doc, 0)
	contextURI := docString(doc, "context")

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	err, existing := s.DB.ReadObjectByURI(id)
	if err == nil && existing != nil {
		existing.ContextURI = contextURI
		existing.RawJSON = string(raw)
		if err := s.DB.UpdateObject(existing); err != nil {
			return nil, fmt.Errorf("failed to update object: %w", err)
		}
		return existing, nil
	}

	obj := &domain.ASObject{
		Id:         uuid.New(),
		ObjectURI:  id,
		ContextURI: contextURI,
		RawJSON:    string(raw),
		CreatedAt:  time.Now(),
	}

	if err := s.DB.CreateObject(obj); err != nil {
		if dbIsUniqueViolation(err) {
			// Concurrent save of the same id; the winner's row stands
			err, existing := s.DB.ReadObjectByURI(id)
			if err != nil {
				return nil, fmt.Errorf("failed to re-read object after conflict: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	s.maybeIncrementPostsCount(doc)
	return obj, nil
}

// ensureContext resolves the conversation context of a document. An
// existing named context is reused; replies adopt the context of their
// predecessor, recursively up to maxContextDepth; everything else gets
// a freshly minted local context. Resolving the same document twice
// yields the same context id.
func (s *Service) ensureContext(doc ASDict, depth int) ASDict {
	if contextURI := getID(doc["context"]); contextURI != "" {
		if err, existing := s.DB.ReadObjectByURI(contextURI); err == nil && existing != nil {
			doc["context"] = contextURI
			return doc
		}
	}

	if inReplyTo := getID(doc["inReplyTo"]); inReplyTo != "" && depth < maxContextDepth {
		parent, err := s.getOrFetchWithDepth(inReplyTo, depth)
		if err == nil {
			doc["context"] = parent.ContextURI
			return doc
		}
		// Unresolvable predecessor: treat like the end of the chain
		log.Printf("Context: cannot resolve predecessor %s: %v", inReplyTo, err)
	}

	doc["context"] = s.mintContext()
	return doc
}

// getOrFetchWithDepth mirrors GetOrFetchObject but threads the
// recursion depth through the save of a fetched reply chain.
func (s *Service) getOrFetchWithDepth(id string, depth int) (*domain.ASObject, error) {
	err, cached := s.DB.ReadObjectByURI(id)
	if err == nil && cached != nil {
		return cached, nil
	}

	body, err := s.Client.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrRemoteFetch, id, err)
	}

	var doc ASDict
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrRemoteFetch, id, err)
	}

	objID := docString(doc, "id")
	if objID == "" {
		return nil, fmt.Errorf("%w: object without id", ErrInvalidForm)
	}

	doc = s.ensureContext(doc, depth+1)
	raw, _ := json.Marshal(doc)

	obj := &domain.ASObject{
		Id:         uuid.New(),
		ObjectURI:  objID,
		ContextURI: docString(doc, "context"),
		RawJSON:    string(raw),
		CreatedAt:  time.Now(),
	}
	if err := s.DB.CreateObject(obj); err != nil {
		if dbIsUniqueViolation(err) {
			err, existing := s.DB.ReadObjectByURI(objID)
			if err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, err
	}
	return obj, nil
}

// mintContext creates a synthetic grouping object with a fresh local
// IRI and returns that IRI.
func (s *Service) mintContext() string {
	contextURI := fmt.Sprintf("https://%s/contexts/%s", s.Conf.Domain(), uuid.New().String())

	doc := ASDict{"id": contextURI, "type": "Context"}
	raw, _ := json.Marshal(doc)

	obj := &domain.ASObject{
		Id:         uuid.New(),
		ObjectURI:  contextURI,
		ContextURI: contextURI,
		RawJSON:    string(raw),
		CreatedAt:  time.Now(),
	}
	if err := s.DB.CreateObject(obj); err != nil {
		log.Printf("Context: failed to store minted context %s: %v", contextURI, err)
	}
	return contextURI
}

// objectActor determines the account behind a content object: the
// document's own attributedTo/actor field if present, otherwise the
// actor of the unique Create activity that delivered the object.
func (s *Service) objectActor(doc ASDict) (*domain.Account, error) {
	actorID := getID(doc["attributedTo"])
	if actorID == "" {
		actorID = getID(doc["actor"])
	}

	if actorID == "" {
		err, create := s.DB.ReadCreateActivityByObjectURI(docString(doc, "id"))
		if err != nil || create == nil {
			return nil, fmt.Errorf("%w: no actor known for %s", ErrObjectNotFound, docString(doc, "id"))
		}
		actorID = create.ActorURI
	}

	err, account := s.DB.ReadAccountByApID(actorID)
	if err != nil || account == nil {
		return nil, fmt.Errorf("%w: actor %s not cached", ErrObjectNotFound, actorID)
	}
	return account, nil
}

func (s *Service) maybeIncrementPostsCount(doc ASDict) {
	switch docString(doc, "type") {
	case "Note", "Article":
	default:
		return
	}

	account, err := s.objectActor(doc)
	if err != nil {
		return
	}
	if err := s.DB.IncrementPostsCount(account.Id); err != nil {
		log.Printf("Objects: failed to bump post count for %s: %v", account.Username, err)
	}
}
