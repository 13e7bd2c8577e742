package activitypub

import (
	"strings"
	"testing"

	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

func remoteActorDoc(apID, name, pem string) ASDict {
	return ASDict{
		"id":                apID,
		"type":              "Person",
		"preferredUsername": name,
		"inbox":             apID + "/inbox",
		"outbox":            apID + "/outbox",
		"followers":         apID + "/followers",
		"publicKey": ASDict{
			"id":           apID + "#main-key",
			"owner":        apID,
			"publicKeyPem": pem,
		},
	}
}

func TestGetOrFetchActorCaches(t *testing.T) {
	s, client := newTestService(t)

	apID := "https://misskey.example/users/mei"
	client.serve(apID, remoteActorDoc(apID, "mei", util.GeneratePemKeypair().Public))

	first, err := s.GetOrFetchActor(apID, nil)
	if err != nil {
		t.Fatalf("First resolution failed: %v", err)
	}
	if first.Username != "mei@misskey.example" {
		t.Errorf("Expected handle mei@misskey.example, got %s", first.Username)
	}

	fetches := len(client.gets)
	second, err := s.GetOrFetchActor(apID, nil)
	if err != nil {
		t.Fatalf("Second resolution failed: %v", err)
	}
	if len(client.gets) != fetches {
		t.Error("Cached actor was re-fetched")
	}
	if second.Id != first.Id {
		t.Error("Cache returned a different account row")
	}
}

func TestGetOrFetchActorPrefersSharedInbox(t *testing.T) {
	s, client := newTestService(t)

	apID := "https://misskey.example/users/rin"
	doc := remoteActorDoc(apID, "rin", util.GeneratePemKeypair().Public)
	doc["endpoints"] = ASDict{"sharedInbox": "https://misskey.example/inbox"}
	client.serve(apID, doc)

	acct, err := s.GetOrFetchActor(apID, nil)
	if err != nil {
		t.Fatalf("Resolution failed: %v", err)
	}
	if acct.InboxURI != "https://misskey.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", acct.InboxURI)
	}
}

func TestGetOrFetchActorRejectsIncompleteDocument(t *testing.T) {
	s, client := newTestService(t)

	apID := "https://misskey.example/users/broken"
	client.serve(apID, ASDict{"id": apID, "type": "Person"})

	if _, err := s.GetOrFetchActor(apID, nil); err == nil {
		t.Error("Actor without inbox and key must be rejected")
	}
}

func TestGetOrFetchActorUnreachable(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.GetOrFetchActor("https://gone.example/users/nobody", nil)
	if err == nil {
		t.Fatal("Expected fetch error")
	}
}

func TestCreateLocalAccount(t *testing.T) {
	s, _ := newTestService(t)

	acct, err := s.CreateLocalAccount("ai@quoll.example")
	if err != nil {
		t.Fatalf("CreateLocalAccount failed: %v", err)
	}

	if acct.ApID != "https://quoll.example/users/ai" {
		t.Errorf("Unexpected actor IRI %s", acct.ApID)
	}
	if acct.InboxURI != acct.ApID+"/inbox" || acct.FollowersURI != acct.ApID+"/followers" {
		t.Error("Endpoint IRIs not derived from the actor IRI")
	}
	if !acct.IsLocal(s.Conf.Conf.Domains) {
		t.Error("Created account should be local")
	}
	if acct.PrivateKey == "" || !strings.Contains(acct.PublicKey, "PUBLIC KEY") {
		t.Error("Created account is missing its keypair")
	}
	if acct.KeyId() != acct.ApID+"#main-key" {
		t.Errorf("Unexpected key id %s", acct.KeyId())
	}
}

func TestCreateLocalAccountRejectsForeignDomain(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.CreateLocalAccount("mei@misskey.example"); err == nil {
		t.Error("Foreign domain must be rejected")
	}
	if _, err := s.CreateLocalAccount("no-domain"); err == nil {
		t.Error("Handle without domain must be rejected")
	}
}

func TestCreateLocalAccountDuplicate(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.CreateLocalAccount("ai@quoll.example"); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	if _, err := s.CreateLocalAccount("ai@quoll.example"); err == nil {
		t.Error("Duplicate username must be rejected")
	}
}

func TestFollowRemoteQueuesPendingFollow(t *testing.T) {
	s, _ := newTestService(t)
	ai := testLocalAccount(t, s, "ai")
	mei := testRemoteAccount(t, s, "mei", "misskey.example")

	if err := s.FollowRemote(ai, mei); err != nil {
		t.Fatalf("FollowRemote failed: %v", err)
	}

	err, pending := s.DB.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("Failed to read queue: %v", err)
	}
	if len(*pending) != 1 {
		t.Fatalf("Expected 1 queued Follow, got %d", len(*pending))
	}
	if (*pending)[0].InboxURI != mei.InboxURI {
		t.Errorf("Follow queued for %s, expected %s", (*pending)[0].InboxURI, mei.InboxURI)
	}

	// The Follow envelope waits for the Accept
	followURI := docStringFromJSON(t, (*pending)[0].ActivityJSON, "id")
	err, envelope := s.DB.ReadActivityByURI(followURI)
	if err != nil || envelope == nil {
		t.Fatalf("Expected pending Follow envelope: %v", err)
	}
	if envelope.Status != domain.StatusPending {
		t.Errorf("Expected status %q, got %q", domain.StatusPending, envelope.Status)
	}
	if err, edge := s.DB.ReadFollowEdge(ai.Id, mei.Id); err == nil && edge != nil {
		t.Error("No edge may exist before the Accept arrives")
	}
}

func TestFollowRemoteRequiresLocalFollower(t *testing.T) {
	s, _ := newTestService(t)
	mei := testRemoteAccount(t, s, "mei", "misskey.example")
	rin := testRemoteAccount(t, s, "rin", "pleroma.example")

	if err := s.FollowRemote(mei, rin); err == nil {
		t.Error("Remote follower must be rejected")
	}
}
