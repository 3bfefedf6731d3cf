package core

import (
	"testing"

	"github.com/pikaneli/ibft/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEquivocatingPrimaryOnlyOneValueAccepted covers S4: a primary that
// signs two different values for the same (height, round) cannot get an
// honest participant to accept both. The log's ppKey uniqueness is
// where this is actually enforced (messages.Log.AddMessage), but the
// property that matters to the protocol is that handlePrePrepare still
// only ever returns the first one accepted.
func TestEquivocatingPrimaryOnlyOneValueAccepted(t *testing.T) {
	i, _ := newTestIBFT(1, 4, 1)
	i.state.clear(0)

	view := &messages.View{Height: 0, Round: 0}

	a := messages.Build(messages.MessageTypePrePrepare, view, 0, []byte("A"))
	b := messages.Build(messages.MessageTypePrePrepare, view, 0, []byte("B"))

	assert.True(t, i.messages.AddMessage(a))
	assert.False(t, i.messages.AddMessage(b))

	accepted := i.handlePrePrepare(view)
	require.NotNil(t, accepted)
	assert.Equal(t, []byte("A"), accepted.Value)
}

// TestDeliverDropsStaleHeight and TestDeliverDropsStaleRoundWithinHeight
// cover S5: messages addressed to an instance or round this participant
// has already moved past are silently dropped rather than recorded.
func TestDeliverDropsStaleHeight(t *testing.T) {
	i, _ := newTestIBFT(1, 4, 1)
	i.state.clear(5)

	stale := messages.Build(messages.MessageTypeCommit, &messages.View{Height: 3, Round: 0}, 2, []byte("v"))
	i.Deliver(stale)

	msgs := i.messages.GetValidMessages(stale.View, messages.MessageTypeCommit, func(*messages.Message) bool { return true })
	assert.Empty(t, msgs)
}

func TestDeliverDropsStaleRoundWithinHeight(t *testing.T) {
	i, _ := newTestIBFT(1, 4, 1)
	i.state.clear(5)
	i.state.moveToNewRound(2)

	stale := messages.Build(messages.MessageTypeCommit, &messages.View{Height: 5, Round: 1}, 2, []byte("v"))
	i.Deliver(stale)

	msgs := i.messages.GetValidMessages(stale.View, messages.MessageTypeCommit, func(*messages.Message) bool { return true })
	assert.Empty(t, msgs)
}

func TestDeliverRejectsPrePrepareFromNonProposer(t *testing.T) {
	i, _ := newTestIBFT(1, 4, 1)
	i.state.clear(0)

	view := &messages.View{Height: 0, Round: 0}
	impostor := messages.Build(messages.MessageTypePrePrepare, view, 2, []byte("A"))

	i.Deliver(impostor)

	msgs := i.messages.GetValidMessages(view, messages.MessageTypePrePrepare, func(*messages.Message) bool { return true })
	assert.Empty(t, msgs)
}

// TestSafeValuePreservesLock covers S3: once a participant has formed a
// prepared certificate for value A at round 0, a later round-change
// must still propose A, recovered from the round-change quorum itself
// (not from this participant's own logs) per Safe-Value Selection.
func TestSafeValuePreservesLock(t *testing.T) {
	i, transport := newTestIBFT(1, 4, 1)
	i.state.clear(0)

	round0 := &messages.View{Height: 0, Round: 0}

	pp := messages.Build(messages.MessageTypePrePrepare, round0, 0, []byte("A"))
	i.messages.AddMessage(pp)
	i.acceptProposal(pp)

	for _, sender := range []uint64{1, 2, 3} {
		prep := messages.Build(messages.MessageTypePrepare, round0, sender, []byte("A"))
		i.messages.AddMessage(prep)
	}

	prepares := i.handlePrepare(round0)
	require.Len(t, prepares, 3)

	pc := messages.BuildPreparedCertificate(pp, prepares)
	i.state.finalizePrepare(pc, 0, []byte("A"))

	round1 := &messages.View{Height: 0, Round: 1}
	i.sendRoundChangeMessage(round1)

	ownRC := transport.last()
	require.NotNil(t, ownRC)
	require.NotNil(t, ownRC.PreparedCertificate)
	assert.Equal(t, []byte("A"), ownRC.PreparedCertificate.ProposalMessage.Value)

	rc2 := messages.Build(messages.MessageTypeRoundChange, round1, 2, nil)
	rc3 := messages.Build(messages.MessageTypeRoundChange, round1, 3, nil)

	rcc := &messages.RoundChangeCertificate{RoundChangeMessages: []*messages.Message{ownRC, rc2, rc3}}

	value, err := i.safeValue(round1, rcc)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), value)
}

// TestSafeValueFreshWhenNothingPrepared covers the complementary half of
// Safe-Value Selection: when no member of the round-change quorum
// carries a prepared certificate, the new primary is free to propose a
// fresh value.
func TestSafeValueFreshWhenNothingPrepared(t *testing.T) {
	i, _ := newTestIBFT(1, 4, 1)
	i.state.clear(0)
	i.state.setPendingProposal([]byte("fresh"))

	round1 := &messages.View{Height: 0, Round: 1}

	rcc := &messages.RoundChangeCertificate{RoundChangeMessages: []*messages.Message{
		messages.Build(messages.MessageTypeRoundChange, round1, 1, nil),
		messages.Build(messages.MessageTypeRoundChange, round1, 2, nil),
		messages.Build(messages.MessageTypeRoundChange, round1, 3, nil),
	}}

	value, err := i.safeValue(round1, rcc)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), value)
}

// TestCatchUpViaCommitQuorumAlone covers S6: a participant that never
// recorded the matching PRE-PREPARE/PREPARE locally (e.g. those
// messages were lost) still decides once it observes a COMMIT-quorum
// for a value, since handleCommit never consults the local proposal
// state.
func TestCatchUpViaCommitQuorumAlone(t *testing.T) {
	i, _ := newTestIBFT(3, 4, 1)
	i.state.clear(0)

	view := &messages.View{Height: 0, Round: 0}

	decided := make(chan []byte, 1)
	i.OnDecision(func(height uint64, value []byte) { decided <- value })

	for _, sender := range []uint64{0, 1, 2} {
		commit := messages.Build(messages.MessageTypeCommit, view, sender, []byte("A")).
			WithCommittedSeal([]byte{byte(sender)})
		i.Deliver(commit)
	}

	ok := i.handleCommit(view)
	require.True(t, ok)

	select {
	case value := <-decided:
		assert.Equal(t, []byte("A"), value)
	default:
		t.Fatal("OnDecision sink never fired")
	}

	value, isDecided := i.state.getDecided(0)
	require.True(t, isDecided)
	assert.Equal(t, []byte("A"), value)
}

// TestDeliverEvictsOldestBufferedFutureMessageOnOverflow covers spec.md
// §5/§7's backpressure requirement: once MaxBufferedMessages future
// entries are buffered, the oldest is evicted from the log before a
// newer future message is ever refused, and a current-round message
// delivered afterward is unaffected.
func TestDeliverEvictsOldestBufferedFutureMessageOnOverflow(t *testing.T) {
	i, _ := newTestIBFTWithConfig(0, 4, 1, NopLogger{}, WithMaxBufferedMessages(2))
	i.state.clear(0)

	future := func(round uint64) *messages.Message {
		view := &messages.View{Height: 0, Round: round}
		return messages.Build(messages.MessageTypeRoundChange, view, 1, nil)
	}

	oldest := future(1)
	i.Deliver(oldest)
	i.Deliver(future(2))
	i.Deliver(future(3))

	assert.Empty(t, i.messages.GetValidMessages(oldest.View, messages.MessageTypeRoundChange, func(*messages.Message) bool { return true }),
		"the oldest buffered future message must be evicted once the bound is exceeded")

	assert.Len(t, i.messages.GetValidMessages(future(3).View, messages.MessageTypeRoundChange, func(*messages.Message) bool { return true }), 1)

	current := messages.Build(messages.MessageTypeRoundChange, &messages.View{Height: 0, Round: 0}, 2, nil)
	i.Deliver(current)
	assert.Len(t, i.messages.GetValidMessages(current.View, messages.MessageTypeRoundChange, func(*messages.Message) bool { return true }), 1,
		"current-round messages must never be evicted by the future-message buffer")
}

// TestOnRoundExpiredLogsOnceMaxRoundsExceeded covers the MaxRounds
// liveness guard: exceeding it logs an error but never halts the
// instance (the round still advances).
func TestOnRoundExpiredLogsOnceMaxRoundsExceeded(t *testing.T) {
	logger := &spyLogger{}
	i, _ := newTestIBFTWithConfig(0, 4, 1, logger, WithMaxRounds(1))
	i.state.clear(0)

	i.onRoundExpired(0, 0)
	assert.Equal(t, 0, logger.errorCount(), "round 1 is still within MaxRounds=1")
	assert.Equal(t, uint64(1), i.state.getRound())

	i.onRoundExpired(0, 1)
	assert.Equal(t, 1, logger.errorCount(), "round 2 exceeds MaxRounds=1")
	assert.Equal(t, uint64(2), i.state.getRound(), "exceeding MaxRounds logs but never halts round advancement")
}

func TestFPlus1JumpRequiresFPlus1DistinctSenders(t *testing.T) {
	i, _ := newTestIBFT(0, 4, 1)
	i.state.clear(0)

	i.messages.AddMessage(messages.Build(messages.MessageTypeRoundChange, &messages.View{Height: 0, Round: 3}, 1, nil))

	_, ok := i.checkFPlus1Jump(0)
	assert.False(t, ok, "a single round-change sender is not enough to jump")

	i.messages.AddMessage(messages.Build(messages.MessageTypeRoundChange, &messages.View{Height: 0, Round: 3}, 2, nil))

	round, ok := i.checkFPlus1Jump(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), round)
}
