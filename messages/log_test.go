package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quorumOf(n int) func(uint64, []*Message, MessageType) bool {
	return func(_ uint64, msgs []*Message, _ MessageType) bool {
		senders := make(map[uint64]struct{})
		for _, m := range msgs {
			senders[m.From] = struct{}{}
		}

		return len(senders) >= n
	}
}

func TestLogDeduplicates(t *testing.T) {
	log := NewLog()
	m := Build(MessageTypePrepare, &View{Height: 1, Round: 0}, 1, []byte("v"))

	assert.True(t, log.AddMessage(m))
	assert.False(t, log.AddMessage(m))

	msgs := log.GetValidMessages(&View{Height: 1, Round: 0}, MessageTypePrepare, func(*Message) bool { return true })
	assert.Len(t, msgs, 1)
}

func TestLogOnlyOnePrePreparePerKey(t *testing.T) {
	log := NewLog()
	view := &View{Height: 1, Round: 0}

	first := Build(MessageTypePrePrepare, view, 0, []byte("a"))
	second := Build(MessageTypePrePrepare, view, 0, []byte("b"))

	assert.True(t, log.AddMessage(first))
	assert.False(t, log.AddMessage(second))

	msgs := log.GetValidMessages(view, MessageTypePrePrepare, func(*Message) bool { return true })
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("a"), msgs[0].Value)
}

func TestSubscribeSignalsOnQuorum(t *testing.T) {
	log := NewLog()
	view := &View{Height: 1, Round: 0}

	sub := log.Subscribe(SubscriptionDetails{
		MessageType: MessageTypePrepare,
		View:        view,
		HasQuorumFn: quorumOf(2),
	})
	defer log.Unsubscribe(sub.ID)

	m1 := Build(MessageTypePrepare, view, 0, []byte("v"))
	log.AddMessage(m1)
	log.SignalEvent(m1)

	select {
	case <-sub.SubCh:
		t.Fatal("subscription fired before quorum reached")
	case <-time.After(20 * time.Millisecond):
	}

	m2 := Build(MessageTypePrepare, view, 1, []byte("v"))
	log.AddMessage(m2)
	log.SignalEvent(m2)

	select {
	case round := <-sub.SubCh:
		assert.Equal(t, uint64(0), round)
	case <-time.After(time.Second):
		t.Fatal("subscription did not fire once quorum was reached")
	}
}

func TestGetMostRoundChangeMessages(t *testing.T) {
	log := NewLog()

	for _, sender := range []uint64{0, 1} {
		log.AddMessage(Build(MessageTypeRoundChange, &View{Height: 1, Round: 2}, sender, nil))
	}
	log.AddMessage(Build(MessageTypeRoundChange, &View{Height: 1, Round: 3}, 2, nil))

	msgs := log.GetMostRoundChangeMessages(1, 1)
	require.Len(t, msgs, 2)

	for _, m := range msgs {
		assert.Equal(t, uint64(2), m.View.Round)
	}
}

func TestRemoveDeletesEntryAndAllowsResubmission(t *testing.T) {
	log := NewLog()
	view := &View{Height: 3, Round: 1}

	prepare := Build(MessageTypePrepare, view, 0, []byte("v"))
	require.True(t, log.AddMessage(prepare))
	require.Len(t, log.GetValidMessages(view, MessageTypePrepare, func(*Message) bool { return true }), 1)

	log.Remove(prepare)

	assert.Empty(t, log.GetValidMessages(view, MessageTypePrepare, func(*Message) bool { return true }))
	assert.True(t, log.AddMessage(prepare), "a removed message is not a stale duplicate")
}

func TestRemoveOnlyDropsTheTargetedRoundChangeSender(t *testing.T) {
	log := NewLog()
	view := &View{Height: 2, Round: 0}

	rc0 := Build(MessageTypeRoundChange, view, 0, nil)
	rc1 := Build(MessageTypeRoundChange, view, 1, nil)
	log.AddMessage(rc0)
	log.AddMessage(rc1)

	log.Remove(rc0)

	msgs := log.GetValidMessages(view, MessageTypeRoundChange, func(*Message) bool { return true })
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), msgs[0].From)
}

func TestPruneByHeightRemovesOlderInstances(t *testing.T) {
	log := NewLog()

	old := Build(MessageTypePrepare, &View{Height: 1, Round: 0}, 0, []byte("v"))
	fresh := Build(MessageTypePrepare, &View{Height: 5, Round: 0}, 0, []byte("v"))

	log.AddMessage(old)
	log.AddMessage(fresh)

	log.PruneByHeight(5)

	assert.Empty(t, log.GetValidMessages(&View{Height: 1, Round: 0}, MessageTypePrepare, func(*Message) bool { return true }))
	assert.Len(t, log.GetValidMessages(&View{Height: 5, Round: 0}, MessageTypePrepare, func(*Message) bool { return true }), 1)

	// The pruned digest can be legitimately re-recorded for catch-up
	// purposes without being treated as a stale duplicate forever.
	assert.True(t, log.AddMessage(old))
}
