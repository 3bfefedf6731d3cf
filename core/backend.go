package core

import "github.com/pikaneli/ibft/messages"

// Logger is the logging behaviour the core depends on. It is kept
// minimal and decoupled from any concrete logging library so the core
// never forces one on an embedder; NopLogger and StdLogger are provided
// as the two reference implementations.
type Logger interface {
	Info(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Transport is the unreliable, unordered delivery channel the core
// consumes. Send/Broadcast are fire-and-forget: the core never awaits
// completion of a send. Broadcast must call Deliver on the sender's own
// IBFT instance synchronously before returning, so that a participant
// counts its own vote even under network partition from everyone else.
type Transport interface {
	Send(to uint64, msg *messages.Message)
	Broadcast(msg *messages.Message)
}

// Signer produces a signature over a message digest, using the
// participant's own signing key. It is owned exclusively by the
// participant that constructed the IBFT instance.
type Signer interface {
	Sign(digest [32]byte) ([]byte, error)
}

// Validator is the validator-set/crypto-verification collaborator: it
// knows the fixed N/quorum parameters, the deterministic primary
// schedule, and how to verify a sender's signature. Verify keys are
// immutable after construction and may be shared read-only across
// participants.
type Validator interface {
	// ID is this participant's own identity.
	ID() uint64

	// N is the total participant count.
	N() uint64

	// F is the maximum tolerated Byzantine participant count.
	F() uint64

	// Quorum returns the smallest quorum size guaranteeing any two
	// quorums share a correct participant: floor((N+F)/2)+1. This equals
	// 2F+1 exactly when N=3F+1 (the tight deployment every validator set
	// in this module actually uses), but stays safe for a deployment
	// that keeps the same tolerated F while running extra nodes beyond
	// the minimum.
	Quorum() uint64

	// IsProposer reports whether id is the designated proposer for
	// (height, round): id == round mod N.
	IsProposer(id, height, round uint64) bool

	// IsValidValidator reports whether id is a member of the validator
	// set.
	IsValidValidator(id uint64) bool

	// Verify reports whether sig is a valid signature over digest under
	// id's verify key.
	Verify(id uint64, digest [32]byte, sig []byte) bool

	// HasQuorum reports whether msgs contains Quorum() distinct, valid
	// senders of msgType at height.
	HasQuorum(height uint64, msgs []*messages.Message, msgType messages.MessageType) bool
}

// ValidityChecker is the application-supplied external-validity
// predicate (beta in the spec): deterministic, side-effect-free,
// invoked on every proposed value before it is accepted. The default
// implementation (DefaultValidityChecker) rejects nil/empty values.
type ValidityChecker interface {
	IsValid(value []byte) bool
}

// DefaultValidityChecker rejects nil or empty values and accepts
// everything else. It exists so a core can be constructed without an
// application wired in yet (e.g. in tests exercising only the protocol
// machinery), never so a real deployment skips block-specific rules.
type DefaultValidityChecker struct{}

func (DefaultValidityChecker) IsValid(value []byte) bool {
	return len(value) > 0
}

// ProposalSource lets the primary pull its next proposal instead of
// having one pushed via Propose. Optional: a primary with no pending
// proposal and no source configured simply waits.
type ProposalSource interface {
	NextProposal(height uint64) ([]byte, bool)
}
