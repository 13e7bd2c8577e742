package activitypub

import "errors"

// Error taxonomy of the federation engine. The HTTP layer branches on
// these with errors.Is to pick a response: structural and
// authentication failures reject, everything else acknowledges.
var (
	// ErrInvalidForm marks a malformed or incomplete document; the
	// activity is rejected before any mutation.
	ErrInvalidForm = errors.New("activity document is malformed")

	// ErrActorMismatch marks a signer that does not match the claimed
	// actor. Rejected before any mutation, logged but acknowledged to
	// the peer with no effect.
	ErrActorMismatch = errors.New("signer does not match activity actor")

	// ErrDomainMismatch marks a Create whose object lives on a
	// different domain than the activity itself.
	ErrDomainMismatch = errors.New("object domain does not match activity domain")

	// ErrObjectNotFound marks a referenced object or activity that
	// could not be resolved locally or remotely.
	ErrObjectNotFound = errors.New("referenced object not found")

	// ErrRemoteFetch marks a network or parse failure while resolving
	// a remote identifier.
	ErrRemoteFetch = errors.New("remote fetch failed")

	// ErrAuthenticationFailed marks a request whose HTTP signature
	// could not be verified or whose signing key could not be located.
	ErrAuthenticationFailed = errors.New("http signature authentication failed")
)
