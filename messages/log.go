package messages

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriptionID identifies a live subscription, so a waiter can
// unsubscribe without the log having to reuse or recycle small integers.
type SubscriptionID = uuid.UUID

// SubscriptionDetails describes what a waiter is waiting for: a quorum
// (per HasQuorumFn) of MessageType messages at View, or, when HasMinRound
// is set, at any round >= View.Round (used by the engines to watch for
// future-round activity without knowing which round will first qualify).
type SubscriptionDetails struct {
	MessageType MessageType
	View        *View
	HasMinRound bool
	HasQuorumFn func(round uint64, msgs []*Message, msgType MessageType) bool
}

// Subscription is returned by Subscribe. SubCh delivers the round number
// of the message batch that satisfied HasQuorumFn; callers re-run their
// own fetch (GetValidMessages et al.) after a delivery, since the
// subscription only signals "check again", it does not carry the
// messages themselves.
type Subscription struct {
	ID    SubscriptionID
	SubCh chan uint64
}

type ppKey struct {
	height, round uint64
}

type valueKey struct {
	height, round uint64
	value         [32]byte
}

// Log is the per-participant message store: per-(view, sequence, value)
// indexed sets with deduplication by digest, plus a subscription
// mechanism the engines use to block on "quorum reached" instead of
// polling.
type Log struct {
	mu sync.Mutex

	prePrepare  map[ppKey]*Message
	prepare     map[valueKey]map[uint64]*Message
	commit      map[valueKey]map[uint64]*Message
	roundChange map[uint64]map[uint64]*Message // height -> roundSenderKey(round, sender) -> msg
	newRound    map[ppKey]*Message
	seenDigests map[[32]byte]uint64 // digest -> height, for GC
	subs        map[SubscriptionID]*subEntry
}

type subEntry struct {
	details SubscriptionDetails
	ch      chan uint64
}

// NewLog creates an empty message log.
func NewLog() *Log {
	return &Log{
		prePrepare:  make(map[ppKey]*Message),
		prepare:     make(map[valueKey]map[uint64]*Message),
		commit:      make(map[valueKey]map[uint64]*Message),
		roundChange: make(map[uint64]map[uint64]*Message),
		newRound:    make(map[ppKey]*Message),
		seenDigests: make(map[[32]byte]uint64),
		subs:        make(map[SubscriptionID]*subEntry),
	}
}

// AddMessage inserts message under its appropriate index, returning
// whether it was new. A second insertion of the same digest (the
// DuplicateMessage case of the core's error taxonomy) is a no-op.
func (l *Log) AddMessage(message *Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	digest := Digest(message)
	if _, ok := l.seenDigests[digest]; ok {
		return false
	}
	l.seenDigests[digest] = message.View.Height

	switch message.Type {
	case MessageTypePrePrepare:
		key := ppKey{message.View.Height, message.View.Round}
		if _, ok := l.prePrepare[key]; ok {
			return false
		}
		l.prePrepare[key] = message

	case MessageTypePrepare:
		key := valueKey{message.View.Height, message.View.Round, valueDigest(message.Value)}
		bucket, ok := l.prepare[key]
		if !ok {
			bucket = make(map[uint64]*Message)
			l.prepare[key] = bucket
		}
		bucket[message.From] = message

	case MessageTypeCommit:
		key := valueKey{message.View.Height, message.View.Round, valueDigest(message.Value)}
		bucket, ok := l.commit[key]
		if !ok {
			bucket = make(map[uint64]*Message)
			l.commit[key] = bucket
		}
		bucket[message.From] = message

	case MessageTypeRoundChange:
		bucket, ok := l.roundChange[message.View.Height]
		if !ok {
			bucket = make(map[uint64]*Message)
			l.roundChange[message.View.Height] = bucket
		}
		// round_change is indexed per-height by sender across all rounds
		// that sender has announced; callers filter by round via
		// GetValidMessages/GetMostRoundChangeMessages.
		bucket[roundSenderKey(message.View.Round, message.From)] = message

	case MessageTypeNewRound:
		key := ppKey{message.View.Height, message.View.Round}
		if _, ok := l.newRound[key]; ok {
			return false
		}
		l.newRound[key] = message
	}

	return true
}

// Remove deletes message from its index and from the digest-dedup set.
// Used by the core's bounded future-message buffer to evict the oldest
// buffered future entry once MaxBufferedMessages is exceeded; a later
// re-delivery of the same message is then treated as new again.
func (l *Log) Remove(message *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seenDigests, Digest(message))

	switch message.Type {
	case MessageTypePrePrepare:
		delete(l.prePrepare, ppKey{message.View.Height, message.View.Round})

	case MessageTypePrepare:
		key := valueKey{message.View.Height, message.View.Round, valueDigest(message.Value)}
		if bucket, ok := l.prepare[key]; ok {
			delete(bucket, message.From)
			if len(bucket) == 0 {
				delete(l.prepare, key)
			}
		}

	case MessageTypeCommit:
		key := valueKey{message.View.Height, message.View.Round, valueDigest(message.Value)}
		if bucket, ok := l.commit[key]; ok {
			delete(bucket, message.From)
			if len(bucket) == 0 {
				delete(l.commit, key)
			}
		}

	case MessageTypeRoundChange:
		if bucket, ok := l.roundChange[message.View.Height]; ok {
			delete(bucket, roundSenderKey(message.View.Round, message.From))
			if len(bucket) == 0 {
				delete(l.roundChange, message.View.Height)
			}
		}

	case MessageTypeNewRound:
		delete(l.newRound, ppKey{message.View.Height, message.View.Round})
	}
}

// roundSenderKey packs (round, sender) into a single map key so
// round_change can stay a flat map keyed by height, matching the GC unit
// (height) while still letting GetValidMessages filter by round.
func roundSenderKey(round, sender uint64) uint64 {
	return round<<32 | (sender & 0xffffffff)
}

// SignalEvent wakes every subscription whose criteria message's batch may
// now satisfy, passing message.View.Round to the subscriber.
func (l *Log) SignalEvent(message *Message) {
	l.mu.Lock()
	subs := make([]*subEntry, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		if s.details.MessageType != message.Type {
			continue
		}

		if s.details.View.Height != message.View.Height {
			continue
		}

		if s.details.HasMinRound {
			if message.View.Round < s.details.View.Round {
				continue
			}
		} else if s.details.View.Round != message.View.Round {
			continue
		}

		msgs := l.getValidMessagesLocked(
			&View{Height: message.View.Height, Round: message.View.Round},
			message.Type,
			func(*Message) bool { return true },
		)

		if s.details.HasQuorumFn == nil || !s.details.HasQuorumFn(message.View.Round, msgs, message.Type) {
			continue
		}

		select {
		case s.ch <- message.View.Round:
		default:
		}
	}
}

// GetValidMessages returns every recorded message of msgType at view
// that passes isValid.
func (l *Log) GetValidMessages(
	view *View,
	msgType MessageType,
	isValid func(*Message) bool,
) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.getValidMessagesLocked(view, msgType, isValid)
}

func (l *Log) getValidMessagesLocked(
	view *View,
	msgType MessageType,
	isValid func(*Message) bool,
) []*Message {
	var out []*Message

	switch msgType {
	case MessageTypePrePrepare:
		if msg, ok := l.prePrepare[ppKey{view.Height, view.Round}]; ok && isValid(msg) {
			out = append(out, msg)
		}

	case MessageTypePrepare:
		for key, bucket := range l.prepare {
			if key.height != view.Height || key.round != view.Round {
				continue
			}
			for _, msg := range bucket {
				if isValid(msg) {
					out = append(out, msg)
				}
			}
		}

	case MessageTypeCommit:
		for key, bucket := range l.commit {
			if key.height != view.Height || key.round != view.Round {
				continue
			}
			for _, msg := range bucket {
				if isValid(msg) {
					out = append(out, msg)
				}
			}
		}

	case MessageTypeRoundChange:
		bucket := l.roundChange[view.Height]
		for _, msg := range bucket {
			if msg.View.Round != view.Round {
				continue
			}
			if isValid(msg) {
				out = append(out, msg)
			}
		}

	case MessageTypeNewRound:
		if msg, ok := l.newRound[ppKey{view.Height, view.Round}]; ok && isValid(msg) {
			out = append(out, msg)
		}
	}

	return out
}

// GetExtendedRCC scans round-change messages for height at the lowest
// round that both passes isValidMessage per-message and satisfies
// isValidRCC as a batch (a quorum at that round), returning that batch.
// "Extended" because it is not limited to the locally-current round: a
// participant may need to build a round-change certificate for a round
// other than its own current round.
func (l *Log) GetExtendedRCC(
	height uint64,
	isValidMessage func(message *Message) bool,
	isValidRCC func(round uint64, msgs []*Message) bool,
) []*Message {
	l.mu.Lock()
	bucket := l.roundChange[height]
	byRound := make(map[uint64][]*Message)
	for _, msg := range bucket {
		byRound[msg.View.Round] = append(byRound[msg.View.Round], msg)
	}
	l.mu.Unlock()

	var (
		best      []*Message
		bestRound uint64
		found     bool
	)

	for round, msgs := range byRound {
		if found && round >= bestRound {
			continue
		}

		var valid []*Message
		for _, msg := range msgs {
			if isValidMessage(msg) {
				valid = append(valid, msg)
			}
		}

		if isValidRCC(round, valid) {
			best, bestRound, found = valid, round, true
		}
	}

	return best
}

// GetMostRoundChangeMessages returns the ROUND-CHANGE messages for the
// round >= minRound with the greatest number of distinct senders, used
// by the round-change engine's f+1 jump rule. It returns nil if no round
// at or above minRound has any round-change messages recorded.
func (l *Log) GetMostRoundChangeMessages(minRound, height uint64) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	byRound := make(map[uint64][]*Message)
	for _, msg := range l.roundChange[height] {
		if msg.View.Round < minRound {
			continue
		}
		byRound[msg.View.Round] = append(byRound[msg.View.Round], msg)
	}

	var (
		best      []*Message
		bestRound uint64
		bestCount = -1
	)

	for round, msgs := range byRound {
		if len(msgs) > bestCount || (len(msgs) == bestCount && round > bestRound) {
			best = msgs
			bestRound = round
			bestCount = len(msgs)
		}
	}

	return best
}

// Subscribe registers a waiter and returns its handle. The channel is
// buffered by 1 so a signal is never lost between SignalEvent and the
// consumer's select.
func (l *Log) Subscribe(details SubscriptionDetails) *Subscription {
	id := uuid.New()
	ch := make(chan uint64, 1)

	l.mu.Lock()
	l.subs[id] = &subEntry{details: details, ch: ch}
	l.mu.Unlock()

	return &Subscription{ID: id, SubCh: ch}
}

// Unsubscribe removes a previously registered subscription.
func (l *Log) Unsubscribe(id SubscriptionID) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

// PruneByHeight drops every entry for a height strictly below height,
// i.e. gc_below(height): message logs for instances older than the
// current one are no longer referenced once the instance has decided and
// advanced.
func (l *Log) PruneByHeight(height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.prePrepare {
		if key.height < height {
			delete(l.prePrepare, key)
		}
	}

	for key := range l.prepare {
		if key.height < height {
			delete(l.prepare, key)
		}
	}

	for key := range l.commit {
		if key.height < height {
			delete(l.commit, key)
		}
	}

	for h := range l.roundChange {
		if h < height {
			delete(l.roundChange, h)
		}
	}

	for key := range l.newRound {
		if key.height < height {
			delete(l.newRound, key)
		}
	}

	for digest, h := range l.seenDigests {
		if h < height {
			delete(l.seenDigests, digest)
		}
	}
}
