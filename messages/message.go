// Package messages implements the IBFT message model, the per-participant
// message log, and the certificate builder described in the consensus
// core's data model.
package messages

// MessageType is the tag of an IBFT protocol message. The five variants
// form an exhaustive sum; dispatch over MessageType should always be
// exhaustive so that a missing case fails at compile time, not at runtime.
type MessageType uint8

const (
	MessageTypePrePrepare MessageType = iota
	MessageTypePrepare
	MessageTypeCommit
	MessageTypeRoundChange
	MessageTypeNewRound
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePrePrepare:
		return "PRE-PREPARE"
	case MessageTypePrepare:
		return "PREPARE"
	case MessageTypeCommit:
		return "COMMIT"
	case MessageTypeRoundChange:
		return "ROUND-CHANGE"
	case MessageTypeNewRound:
		return "NEW-ROUND"
	default:
		return "UNKNOWN"
	}
}

// View identifies a (round, instance) pair. Height is the consensus
// instance (lambda in the spec); Round is the view/round number (r).
type View struct {
	Height uint64
	Round  uint64
}

func (v *View) Equal(o *View) bool {
	if v == nil || o == nil {
		return v == o
	}

	return v.Height == o.Height && v.Round == o.Round
}

// PreparedCertificate is the proof that a value was prepared at some
// round: one PRE-PREPARE plus a quorum of matching PREPARE messages.
type PreparedCertificate struct {
	ProposalMessage *Message
	PrepareMessages []*Message
}

// RoundChangeCertificate is a quorum of ROUND-CHANGE messages collected
// by the primary of a new round, used to justify a PRE-PREPARE or
// NEW-ROUND for round > 0.
type RoundChangeCertificate struct {
	RoundChangeMessages []*Message
}

// Message is the tagged record exchanged between participants. Only the
// fields relevant to the message's Type are populated by build(); the
// others stay at their zero value.
type Message struct {
	Type MessageType
	View *View
	From uint64

	// Value is the proposed application value, present on PRE-PREPARE and
	// NEW-ROUND (when a value is being (re)proposed), and on the PREPARE
	// and COMMIT messages that vote for it.
	Value []byte

	// PreparedCertificate is carried on a ROUND-CHANGE message when the
	// sender has a prepared certificate to justify its (pr, pv): it proves
	// the sender locked a value at round PreparedCertificate.ProposalMessage.View.Round.
	PreparedCertificate *PreparedCertificate

	// RoundChangeCertificate is carried on a PRE-PREPARE for round > 0 and
	// on a NEW-ROUND message: the quorum Q of ROUND-CHANGE messages that
	// justifies entering the new round.
	RoundChangeCertificate *RoundChangeCertificate

	// CommittedSeal is the sender's seal over the decided value, present
	// on COMMIT messages.
	CommittedSeal []byte

	Signature []byte
}

// Build constructs an unsigned message. Sign must be called separately to
// populate Signature; digest() is independent of it.
func Build(
	msgType MessageType,
	view *View,
	from uint64,
	value []byte,
) *Message {
	return &Message{
		Type: msgType,
		View: view,
		From: from,
		Value: value,
	}
}

// WithPreparedCertificate returns a copy of m carrying pc as its
// round-change justification.
func (m *Message) WithPreparedCertificate(pc *PreparedCertificate) *Message {
	clone := *m
	clone.PreparedCertificate = pc

	return &clone
}

// WithRoundChangeCertificate returns a copy of m carrying rcc as its
// pre-prepare/new-round justification.
func (m *Message) WithRoundChangeCertificate(rcc *RoundChangeCertificate) *Message {
	clone := *m
	clone.RoundChangeCertificate = rcc

	return &clone
}

// WithCommittedSeal returns a copy of m carrying seal as its committed
// seal.
func (m *Message) WithCommittedSeal(seal []byte) *Message {
	clone := *m
	clone.CommittedSeal = seal

	return &clone
}

// Sign sets m.Signature to signer's signature over m's digest. It returns
// the signed message; the receiver is not mutated in place so that an
// unsigned template can be reused to build variants.
func (m *Message) Sign(sign func(digest [32]byte) ([]byte, error)) (*Message, error) {
	sig, err := sign(Digest(m))
	if err != nil {
		return nil, err
	}

	clone := *m
	clone.Signature = sig

	return &clone, nil
}

// PreparedRound returns the round at which the sender's carried prepared
// certificate was formed, or -1 if the message carries none. Only
// meaningful for ROUND-CHANGE messages.
func (m *Message) PreparedRound() int64 {
	if m.PreparedCertificate == nil || m.PreparedCertificate.ProposalMessage == nil {
		return -1
	}

	return int64(m.PreparedCertificate.ProposalMessage.View.Round)
}

// PreparedValue returns the value carried by the sender's prepared
// certificate, or nil if it carries none.
func (m *Message) PreparedValue() []byte {
	if m.PreparedCertificate == nil || m.PreparedCertificate.ProposalMessage == nil {
		return nil
	}

	return m.PreparedCertificate.ProposalMessage.Value
}

// ExtractLastPreparedProposal returns the PRE-PREPARE message embedded in
// msg's prepared certificate, if any.
func ExtractLastPreparedProposal(msg *Message) *Message {
	if msg == nil || msg.PreparedCertificate == nil {
		return nil
	}

	return msg.PreparedCertificate.ProposalMessage
}

// ExtractLatestPC returns the prepared certificate carried by msg, if any.
func ExtractLatestPC(msg *Message) *PreparedCertificate {
	if msg == nil {
		return nil
	}

	return msg.PreparedCertificate
}

// ExtractRoundChangeCertificate returns the round-change certificate
// carried by msg, if any.
func ExtractRoundChangeCertificate(msg *Message) *RoundChangeCertificate {
	if msg == nil {
		return nil
	}

	return msg.RoundChangeCertificate
}

// HasUniqueSenders reports whether every message in msgs comes from a
// distinct sender.
func HasUniqueSenders(msgs []*Message) bool {
	seen := make(map[uint64]struct{}, len(msgs))

	for _, msg := range msgs {
		if _, ok := seen[msg.From]; ok {
			return false
		}

		seen[msg.From] = struct{}{}
	}

	return true
}

// HaveSameProposalHash reports whether every message in msgs digests the
// same value.
func HaveSameProposalHash(msgs []*Message) bool {
	if len(msgs) == 0 {
		return true
	}

	want := valueDigest(msgs[0].Value)

	for _, msg := range msgs[1:] {
		if valueDigest(msg.Value) != want {
			return false
		}
	}

	return true
}

// AllHaveLowerRound reports whether every message in msgs has a round
// strictly lower than limit.
func AllHaveLowerRound(msgs []*Message, limit uint64) bool {
	for _, msg := range msgs {
		if msg.View.Round >= limit {
			return false
		}
	}

	return true
}

// AllHaveSameHeight reports whether every message in msgs is for height.
func AllHaveSameHeight(msgs []*Message, height uint64) bool {
	for _, msg := range msgs {
		if msg.View.Height != height {
			return false
		}
	}

	return true
}

// AllHaveSameRound reports whether every message in msgs shares the same
// round.
func AllHaveSameRound(msgs []*Message) bool {
	if len(msgs) == 0 {
		return true
	}

	round := msgs[0].View.Round

	for _, msg := range msgs[1:] {
		if msg.View.Round != round {
			return false
		}
	}

	return true
}
