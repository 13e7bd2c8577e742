package activitypub

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quollsocial/quoll/db"
	"github.com/quollsocial/quoll/domain"
	"github.com/quollsocial/quoll/util"
)

// fakeClient is an in-memory HTTPClient: canned GET responses by URL,
// recorded POSTs, per-inbox failure injection.
type fakeClient struct {
	responses map[string][]byte
	gets      []string
	posts     []fakePost
	failPosts map[string]bool
}

type fakePost struct {
	url  string
	body []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[string][]byte),
		failPosts: make(map[string]bool),
	}
}

func (c *fakeClient) serve(url string, doc ASDict) {
	raw, _ := json.Marshal(doc)
	c.responses[url] = raw
}

func (c *fakeClient) Get(url string, as *domain.Account) ([]byte, error) {
	c.gets = append(c.gets, url)
	body, ok := c.responses[url]
	if !ok {
		return nil, fmt.Errorf("no response for %s", url)
	}
	return body, nil
}

func (c *fakeClient) Post(url string, as *domain.Account, body []byte) error {
	if c.failPosts[url] {
		return fmt.Errorf("post to %s refused", url)
	}
	c.posts = append(c.posts, fakePost{url: url, body: body})
	return nil
}

// newTestService wires a Service against a throwaway database and a
// fake HTTP client. The node serves quoll.example.
func newTestService(t *testing.T) (*Service, *fakeClient) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 8080
	conf.Conf.Domains = []string{"quoll.example"}

	client := newFakeClient()
	return &Service{DB: database, Conf: conf, Client: client}, client
}

// testLocalAccount provisions a local account with a real keypair.
func testLocalAccount(t *testing.T, s *Service, name string) *domain.Account {
	acct, err := s.CreateLocalAccount(name + "@quoll.example")
	if err != nil {
		t.Fatalf("Failed to create local account %s: %v", name, err)
	}
	return acct
}

// testRemoteAccount stores a cached remote account without going
// through a fetch.
func testRemoteAccount(t *testing.T, s *Service, name, host string) *domain.Account {
	apID := fmt.Sprintf("https://%s/users/%s", host, name)
	acct := &domain.Account{
		Id:           uuid.New(),
		Username:     name + "@" + host,
		ApID:         apID,
		InboxURI:     apID + "/inbox",
		OutboxURI:    apID + "/outbox",
		FollowingURI: apID + "/following",
		FollowersURI: apID + "/followers",
		URL:          apID,
		ActorType:    "Person",
		PublicKey:    util.GeneratePemKeypair().Public,
		CreatedAt:    time.Now(),
	}
	if err := s.DB.CreateAccount(acct); err != nil {
		t.Fatalf("Failed to store remote account %s: %v", name, err)
	}
	return acct
}

func docStringFromJSON(t *testing.T, raw, key string) string {
	var doc ASDict
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	return docString(doc, key)
}

func mustMarshal(t *testing.T, doc ASDict) []byte {
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Failed to marshal test activity: %v", err)
	}
	return raw
}
