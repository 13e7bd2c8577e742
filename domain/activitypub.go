package domain

import (
	"time"

	"github.com/google/uuid"
)

// Envelope status values. The status is internal lifecycle state for
// Follow/Like handshakes and is never serialized to peers.
const (
	StatusPending  = "pending"
	StatusNormal   = "normal"
	StatusCanceled = "canceled"
)

// ASObject is a stored ActivityStreams content object (a Note, an
// Article, a minted Context, ...). The document itself is kept as raw
// JSON; ContextURI is resolved before the row is persisted and is
// never empty afterwards.
type ASObject struct {
	Id         uuid.UUID
	ObjectURI  string
	ContextURI string
	RawJSON    string
	CreatedAt  time.Time
}

// ASActivity is the durable envelope of one activity: the raw document,
// the originating actor and the de-duplicated recipient inboxes it was
// (or will be) delivered to.
type ASActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Create, Follow, Accept, Undo, Like, Announce, ...
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Recipients   []string
	Status       string // pending, normal, canceled
	Local        bool   // true if originated from this node
	CreatedAt    time.Time
}

// Follow is a directed follower -> followee edge between two accounts,
// created only after a completed Follow/Accept handshake.
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	FolloweeId uuid.UUID
	URI        string // the Follow activity IRI that produced the edge
	CreatedAt  time.Time
}

// DeliveryQueueItem represents one pending signed POST to a remote inbox
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActorURI     string // local account whose key signs the request
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
