package messages

// QuorumFunc reports whether msgs contains enough distinct, valid
// senders of msgType at height to form a quorum. It is supplied by the
// validator set (the core's Validator collaborator) rather than computed
// here, since only the validator set knows N and f.
type QuorumFunc func(height uint64, msgs []*Message, msgType MessageType) bool

// IsProposerFunc reports whether from is the designated proposer for
// (height, round).
type IsProposerFunc func(from, height, round uint64) bool

// IsValidatorFunc reports whether from is a member of the validator set.
type IsValidatorFunc func(from uint64) bool

// ExtractProposalHash returns the digest of the value carried by a
// PRE-PREPARE message.
func ExtractProposalHash(msg *Message) [32]byte {
	return valueDigest(msg.Value)
}

// ExtractPrepareHash returns the digest of the value carried by a
// PREPARE message.
func ExtractPrepareHash(msg *Message) [32]byte {
	return valueDigest(msg.Value)
}

// ExtractCommitHash returns the digest of the value carried by a
// COMMIT message.
func ExtractCommitHash(msg *Message) [32]byte {
	return valueDigest(msg.Value)
}

// ExtractCommittedSeal returns the committed seal carried by a COMMIT
// message.
func ExtractCommittedSeal(msg *Message) []byte {
	return msg.CommittedSeal
}

// ExtractCommittedSeals collects the committed seals of msgs, in sender
// order, failing if any message is missing one.
func ExtractCommittedSeals(msgs []*Message) ([][]byte, error) {
	seals := make([][]byte, 0, len(msgs))

	for _, msg := range msgs {
		if msg.CommittedSeal == nil {
			return nil, ErrMalformedMessage
		}

		seals = append(seals, msg.CommittedSeal)
	}

	return seals, nil
}

// BuildPreparedCertificate packages a PRE-PREPARE and the PREPARE quorum
// that matched it into a PreparedCertificate, as produced by the
// normal-case engine when a PREPARE-quorum forms (spec §4.3).
func BuildPreparedCertificate(prePrepare *Message, prepares []*Message) *PreparedCertificate {
	return &PreparedCertificate{
		ProposalMessage: prePrepare,
		PrepareMessages: prepares,
	}
}

// ValidatePreparedCertificate checks a PreparedCertificate exactly as
// spec §4.3 requires: quorum distinct senders, matching (view, value),
// and a PRE-PREPARE among them sent by the round's proposer. roundLimit
// bounds the certificate's round (strictly lower), used when validating a
// certificate embedded in a ROUND-CHANGE for round r: the certificate
// must have formed at some round < r.
func ValidatePreparedCertificate(
	pc *PreparedCertificate,
	roundLimit, height uint64,
	quorum QuorumFunc,
	isProposer IsProposerFunc,
	isValidator IsValidatorFunc,
) bool {
	if pc == nil {
		// No certificate is valid by default: it simply means the sender
		// has nothing prepared yet.
		return true
	}

	if pc.ProposalMessage == nil || pc.PrepareMessages == nil {
		return false
	}

	all := append([]*Message{pc.ProposalMessage}, pc.PrepareMessages...)

	if !quorum(height, all, MessageTypePrepare) {
		return false
	}

	if pc.ProposalMessage.Type != MessageTypePrePrepare {
		return false
	}

	for _, msg := range pc.PrepareMessages {
		if msg.Type != MessageTypePrepare {
			return false
		}
	}

	if !HasUniqueSenders(all) {
		return false
	}

	if !HaveSameProposalHash(all) {
		return false
	}

	if !AllHaveLowerRound(all, roundLimit) {
		return false
	}

	if !AllHaveSameHeight(all, height) {
		return false
	}

	if !AllHaveSameRound(all) {
		return false
	}

	proposal := pc.ProposalMessage
	if !isProposer(proposal.From, proposal.View.Height, proposal.View.Round) {
		return false
	}

	if !isValidator(proposal.From) {
		return false
	}

	for _, msg := range pc.PrepareMessages {
		if !isValidator(msg.From) {
			return false
		}

		if isProposer(msg.From, msg.View.Height, msg.View.Round) {
			return false
		}
	}

	return true
}

// HighestPrepared returns the member of rcMsgs (a quorum of ROUND-CHANGE
// messages) whose carried prepared certificate has the highest round,
// and that round. It returns (nil, -1) if no member carries a prepared
// certificate (Safe-Value Selection's "M is empty" case). Ties are
// broken by keeping the first highest-round message encountered, which
// is a safe, arbitrary choice: the protocol only requires the
// highest-pr value be selected, and all tied values are equally safe.
func HighestPrepared(rcMsgs []*Message) (*Message, int64) {
	var (
		best      *Message
		bestRound int64 = -1
	)

	for _, rc := range rcMsgs {
		round := rc.PreparedRound()
		if round > bestRound {
			best = rc
			bestRound = round
		}
	}

	return best, bestRound
}
