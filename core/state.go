package core

import (
	"sync"

	"github.com/pikaneli/ibft/messages"
)

// state holds every per-participant mutable variable named in the data
// model. Every accessor takes the mutex, because the per-round goroutines
// started by RunSequence, Deliver (called from transport goroutines),
// Propose and Inspect all reach this state concurrently.
type state struct {
	mu sync.Mutex

	view *messages.View // Height = lambda, Round = r

	// pr/pv: highest round in which this participant observed a
	// PREPARE-quorum, and the paired value (-1/nil if none this
	// instance). Updated atomically with lockRound/lockValue, at the
	// same PREPARE-quorum crossing edge — see DESIGN.md Open Question
	// O1 for why this participant does not adopt the literal "update on
	// bare PRE-PREPARE acceptance" reading of the normal-case engine
	// text: doing so would let an unprepared value poison safe-value
	// selection.
	pr int64
	pv []byte

	// lockRound/lockValue: kept as an explicit, separate pair from
	// pr/pv per the data model, set at the PREPARE-quorum edge and reset
	// per instance. lockRound is reported by Inspect(); neither field is
	// read when choosing or accepting a proposal (safeValue works only
	// from the round-change quorum, and proposal validation does not
	// compare against the lock).
	lockRound int64
	lockValue []byte

	preparedCertificate *messages.PreparedCertificate

	proposalMessage *messages.Message
	commitSent      bool
	committedSeals  [][]byte

	decided map[uint64][]byte

	pendingProposal []byte
	hasPending      bool
}

func newState() *state {
	return &state{
		view:      &messages.View{Height: 0, Round: 0},
		pr:        -1,
		lockRound: -1,
		decided:   make(map[uint64][]byte),
	}
}

func (s *state) getView() *messages.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *s.view

	return &v
}

func (s *state) setView(v *messages.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.view = v
}

func (s *state) getHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.view.Height
}

func (s *state) getRound() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.view.Round
}

// clear resets every per-instance variable for a fresh height h. Called
// once when RunSequence starts a new consensus instance (spec §3:
// "consensus-instance state is created when lambda is first observed").
func (s *state) clear(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.view = &messages.View{Height: h, Round: 0}
	s.pr = -1
	s.pv = nil
	s.lockRound = -1
	s.lockValue = nil
	s.preparedCertificate = nil
	s.proposalMessage = nil
	s.commitSent = false
	s.committedSeals = nil
}

// moveToNewRound advances to round within the current height, resetting
// the per-round (not per-instance) variables.
func (s *state) moveToNewRound(round uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.view = &messages.View{Height: s.view.Height, Round: round}
	s.proposalMessage = nil
	s.commitSent = false
}

func (s *state) getProposalMessage() *messages.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.proposalMessage
}

func (s *state) setProposalMessage(msg *messages.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.proposalMessage = msg
}

func (s *state) getProposalValue() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proposalMessage == nil {
		return nil
	}

	return s.proposalMessage.Value
}

func (s *state) getProposalHash() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proposalMessage == nil {
		return [32]byte{}
	}

	return messages.ExtractProposalHash(s.proposalMessage)
}

func (s *state) getCommitSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitSent
}

func (s *state) setCommitSent(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commitSent = v
}

// finalizePrepare records the PREPARE-quorum crossing edge: the prepared
// certificate, and the (pr, pv) / (lockRound, lockValue) updates that
// accompany it (spec §4.4 step 4, with pr/pv tracked per O1).
func (s *state) finalizePrepare(pc *messages.PreparedCertificate, round uint64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preparedCertificate = pc

	if int64(round) > s.pr {
		s.pr = int64(round)
		s.pv = value
	}

	if int64(round) > s.lockRound {
		s.lockRound = int64(round)
		s.lockValue = value
	}
}

func (s *state) getLatestPreparedProposal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pv
}

func (s *state) getLatestPC() *messages.PreparedCertificate {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.preparedCertificate
}

func (s *state) getPreparedRound() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pr
}

func (s *state) getLockRound() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lockRound
}

func (s *state) setCommittedSeals(seals [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.committedSeals = seals
}

func (s *state) getCommittedSeals() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.committedSeals
}

// setDecided records the decided value for height, returning false if
// it was already decided (I5: once set, it never changes).
func (s *state) setDecided(height uint64, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decided[height]; ok {
		return false
	}

	s.decided[height] = value

	return true
}

func (s *state) getDecided(height uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.decided[height]

	return v, ok
}

// gcDecided evicts decided entries older than height-depth.
func (s *state) gcDecided(height, depth uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height <= depth {
		return
	}

	floor := height - depth

	for h := range s.decided {
		if h < floor {
			delete(s.decided, h)
		}
	}
}

// setPendingProposal stores a value pushed via Propose before this
// participant became primary of any round of the current instance.
func (s *state) setPendingProposal(value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingProposal = value
	s.hasPending = true
}

// takePendingProposal returns and clears the pending proposal, if any.
func (s *state) takePendingProposal() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPending {
		return nil, false
	}

	v := s.pendingProposal
	s.pendingProposal = nil
	s.hasPending = false

	return v, true
}

// Snapshot is the observability surface exposed by Inspect().
type Snapshot struct {
	Height    uint64
	Round     uint64
	PR        int64
	LockRound int64
	Decided   []byte
	HasDecided bool
}

func (s *state) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	decided, ok := s.decided[s.view.Height]

	return Snapshot{
		Height:     s.view.Height,
		Round:      s.view.Round,
		PR:         s.pr,
		LockRound:  s.lockRound,
		Decided:    decided,
		HasDecided: ok,
	}
}
