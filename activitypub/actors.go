package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

// ActorDoc represents the JSON structure of an ActivityPub actor
type ActorDoc struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	URL               string      `json:"url"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Following         string      `json:"following"`
	Followers         string      `json:"followers"`
	Locked            bool        `json:"manuallyApprovesFollowers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// GetOrFetchActor returns the cached account for the given IRI, or
// fetches, persists and returns it. The optional `as` account signs the
// fetch. Two concurrent first-resolutions can both reach the insert;
// the loser hits the ap_id uniqueness constraint and re-reads.
func (s *Service) GetOrFetchActor(apID string, as *domain.Account) (*domain.Account, error) {
	err, cached := s.DB.ReadAccountByApID(apID)
	if err == nil && cached != nil {
		return cached, nil
	}

	return s.fetchRemoteActor(apID, as)
}

// fetchRemoteActor fetches an actor document from a remote server and
// stores it in the accounts cache.
func (s *Service) fetchRemoteActor(apID string, as *domain.Account) (*domain.Account, error) {
	body, err := s.Client.Get(apID, as)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}

	actor, err := parseActorDoc(body)
	if err != nil {
		return nil, err
	}

	account := accountFromActorDoc(actor)

	if err := s.DB.CreateAccount(account); err != nil {
		// A concurrent resolution of the same IRI won the insert;
		// re-read rather than fail.
		if dbIsUniqueViolation(err) {
			err, existing := s.DB.ReadAccountByApID(actor.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to re-read account after conflict: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	log.Printf("Fetch: Cached remote actor %s", account.Username)
	return account, nil
}

// RefreshActor re-fetches a known actor and overwrites its mutable
// profile fields.
func (s *Service) RefreshActor(apID string, as *domain.Account) (*domain.Account, error) {
	err, _ := s.DB.ReadAccountByApID(apID)
	if err != nil {
		return nil, fmt.Errorf("unknown actor %s: %w", apID, err)
	}

	body, err := s.Client.Get(apID, as)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}

	actor, err := parseActorDoc(body)
	if err != nil {
		return nil, err
	}

	account := accountFromActorDoc(actor)
	if err := s.DB.UpdateAccountProfile(account); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	err, updated := s.DB.ReadAccountByApID(apID)
	return updated, err
}

func parseActorDoc(body []byte) (*ActorDoc, error) {
	var actor ActorDoc
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: parsing actor document: %v", ErrRemoteFetch, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor document missing required fields", ErrRemoteFetch)
	}
	return &actor, nil
}

func accountFromActorDoc(actor *ActorDoc) *domain.Account {
	// Prefer the shared inbox when the actor advertises one
	inbox := actor.Inbox
	if actor.Endpoints.SharedInbox != "" {
		inbox = actor.Endpoints.SharedInbox
	}

	actorType := actor.Type
	if actorType == "" {
		actorType = "Person"
	}

	url := actor.URL
	if url == "" {
		url = actor.ID
	}

	return &domain.Account{
		Id:           uuid.New(),
		Username:     fmt.Sprintf("%s@%s", actor.PreferredUsername, hostOf(actor.ID)),
		ApID:         actor.ID,
		InboxURI:     inbox,
		OutboxURI:    actor.Outbox,
		FollowingURI: actor.Following,
		FollowersURI: actor.Followers,
		URL:          url,
		ActorType:    actorType,
		Name:         actor.Name,
		Summary:      actor.Summary,
		Locked:       actor.Locked,
		PublicKey:    actor.PublicKey.PublicKeyPem,
		CreatedAt:    time.Now(),
	}
}

// CreateLocalAccount provisions a local actor: endpoint IRIs derived
// from the handle, a fresh RSA keypair, domain checked against the
// node's domain set.
func (s *Service) CreateLocalAccount(username string) (*domain.Account, error) {
	name, domainName, found := strings.Cut(username, "@")
	if !found || name == "" {
		return nil, fmt.Errorf("username %q is not of the form name@domain", username)
	}
	if !s.Conf.IsLocalDomain(domainName) {
		return nil, fmt.Errorf("domain %q is not served by this node", domainName)
	}

	apID := fmt.Sprintf("https://%s/users/%s", domainName, name)
	keypair := util.GeneratePemKeypair()

	account := &domain.Account{
		Id:           uuid.New(),
		Username:     username,
		ApID:         apID,
		InboxURI:     apID + "/inbox",
		OutboxURI:    apID + "/outbox",
		FollowingURI: apID + "/following",
		FollowersURI: apID + "/followers",
		URL:          fmt.Sprintf("https://%s/@%s", domainName, name),
		ActorType:    "Person",
		PublicKey:    keypair.Public,
		PrivateKey:   keypair.Private,
		CreatedAt:    time.Now(),
	}

	if err := s.DB.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// FollowLocally records a follower -> followee edge and recomputes both
// accounts' cached counters. No remote side effects.
func (s *Service) FollowLocally(follower, followee *domain.Account) error {
	return s.createFollowEdge(follower, followee, "")
}

func (s *Service) createFollowEdge(follower, followee *domain.Account, uri string) error {
	follow := &domain.Follow{
		Id:         uuid.New(),
		FollowerId: follower.Id,
		FolloweeId: followee.Id,
		URI:        uri,
		CreatedAt:  time.Now(),
	}

	if err := s.DB.CreateFollowEdge(follow); err != nil {
		if dbIsUniqueViolation(err) {
			// Edge already exists; counters are already right
			return nil
		}
		return fmt.Errorf("failed to create follow: %w", err)
	}

	return s.recomputeCounters(follower, followee)
}

func (s *Service) recomputeCounters(follower, followee *domain.Account) error {
	followingCount, err := s.DB.CountFollowing(follower.Id)
	if err != nil {
		return err
	}
	followersOfFollower, err := s.DB.CountFollowers(follower.Id)
	if err != nil {
		return err
	}
	if err := s.DB.UpdateAccountCounters(follower.Id, followersOfFollower, followingCount); err != nil {
		return err
	}

	followersCount, err := s.DB.CountFollowers(followee.Id)
	if err != nil {
		return err
	}
	followingOfFollowee, err := s.DB.CountFollowing(followee.Id)
	if err != nil {
		return err
	}
	return s.DB.UpdateAccountCounters(followee.Id, followersCount, followingOfFollowee)
}

// FollowRemote emits a Follow activity from a local follower to a
// remote followee, addressed to both parties and tagged pending until
// the Accept arrives.
func (s *Service) FollowRemote(follower, followee *domain.Account) error {
	if !follower.IsLocal(s.Conf.Conf.Domains) {
		return fmt.Errorf("follower %s is not a local account", follower.Username)
	}

	data := ASDict{
		"type":   "Follow",
		"actor":  follower.ApID,
		"object": followee.ApID,
	}
	setInternalStatus(data, domain.StatusPending)

	return s.Send(data, []string{follower.ApID, followee.ApID}, "Follow")
}
