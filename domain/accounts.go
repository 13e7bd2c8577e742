package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account represents a federated participant, local or remote.
// A local account is one whose domain belongs to this node; only local
// accounts carry a private key.
type Account struct {
	Id             uuid.UUID
	Username       string // full handle, name@domain
	ApID           string // globally unique actor IRI
	InboxURI       string
	OutboxURI      string
	FollowingURI   string
	FollowersURI   string
	URL            string
	ActorType      string // Person, Service, Group
	Name           string
	Summary        string
	Locked         bool // manual follow approval
	PublicKey      string
	PrivateKey     string // empty for remote accounts
	FollowersCount int
	FollowingCount int
	PostsCount     int
	CreatedAt      time.Time
}

func (acc *Account) PreferredUsername() string {
	name, _, _ := strings.Cut(acc.Username, "@")
	return name
}

func (acc *Account) Domain() string {
	_, domain, _ := strings.Cut(acc.Username, "@")
	return domain
}

// IsLocal reports whether the account is hosted by this node.
func (acc *Account) IsLocal(localDomains []string) bool {
	domain := acc.Domain()
	for _, d := range localDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func (acc *Account) KeyId() string {
	return acc.ApID + "#main-key"
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tApID: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.ApID, acc.CreatedAt)
}
