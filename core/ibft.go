// Package core implements the IBFT consensus engine: the per-participant
// replicated state machine, its normal-case (PRE-PREPARE/PREPARE/COMMIT)
// and round-change (ROUND-CHANGE/NEW-ROUND) protocols, and the
// concurrency/timer discipline that binds them.
package core

import (
	"context"
	"sync"

	"github.com/pikaneli/ibft/messages"
)

// IBFT represents a single participant's instance of the IBFT state
// machine. All mutable state is owned by the single-threaded executor
// goroutine tree rooted at RunSequence; IBFT itself may be constructed
// once and RunSequence'd across successive heights.
type IBFT struct {
	log Logger

	state    *state
	messages *messages.Log

	validator Validator
	signer    Signer
	transport Transport
	validity  ValidityChecker
	source    ProposalSource

	config *Config
	timer  *roundTimer

	decisionMu sync.Mutex
	onDecision []func(sequence uint64, value []byte)

	roundDone        chan struct{}
	roundExpired     chan struct{}
	newProposal      chan newProposalEvent
	roundCertificate chan uint64

	futureMu sync.Mutex
	future   []*messages.Message // FIFO of buffered future-instance/future-round messages

	wg sync.WaitGroup
}

// IBFTOption configures optional IBFT collaborators. Named distinctly
// from Config's own Option (both live in package core) since the two
// configure different construction steps.
type IBFTOption func(*IBFT)

// WithValidityChecker overrides the default (reject-nil/empty) external
// validity predicate.
func WithValidityChecker(v ValidityChecker) IBFTOption {
	return func(i *IBFT) { i.validity = v }
}

// WithProposalSource lets the primary pull its proposal instead of
// relying solely on Propose being called.
func WithProposalSource(s ProposalSource) IBFTOption {
	return func(i *IBFT) { i.source = s }
}

// New creates a new IBFT participant.
func New(
	config *Config,
	log Logger,
	validator Validator,
	signer Signer,
	transport Transport,
	opts ...IBFTOption,
) *IBFT {
	i := &IBFT{
		log:              log,
		state:            newState(),
		messages:         messages.NewLog(),
		validator:        validator,
		signer:           signer,
		transport:        transport,
		validity:         DefaultValidityChecker{},
		config:           config,
		timer:            newRoundTimer(config.BaseRoundTimeout, config.AdditionalTimeout),
		roundDone:        make(chan struct{}),
		roundExpired:     make(chan struct{}),
		newProposal:      make(chan newProposalEvent),
		roundCertificate: make(chan uint64),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// OnDecision registers a sink invoked exactly once per sequence, with the
// decided value, once this participant reaches a COMMIT-quorum (or
// catches up via COMMIT messages alone).
func (i *IBFT) OnDecision(f func(sequence uint64, value []byte)) {
	i.decisionMu.Lock()
	defer i.decisionMu.Unlock()

	i.onDecision = append(i.onDecision, f)
}

func (i *IBFT) notifyDecision(sequence uint64, value []byte) {
	i.decisionMu.Lock()
	sinks := append([]func(uint64, []byte){}, i.onDecision...)
	i.decisionMu.Unlock()

	for _, f := range sinks {
		f(sequence, value)
	}
}

// Inspect returns a snapshot of this participant's observable state.
func (i *IBFT) Inspect() Snapshot {
	return i.state.snapshot()
}

// Propose is called by the application to supply the value this
// participant should propose. If this participant is primary of round 0
// of the current instance and has no accepted proposal yet, it emits
// PRE-PREPARE immediately; otherwise (including when it is primary of
// the current round > 0) the value is stored for buildProposal to use
// once this participant proposes in a later round of the same instance.
func (i *IBFT) Propose(value []byte) {
	view := i.state.getView()

	// Only a round-0 primary may send PRE-PREPARE directly: a round > 0
	// proposal must be justified by a RoundChangeCertificate, which
	// buildProposal attaches by pulling this value back out via
	// nextProposalValue once its own round-change quorum forms.
	isRoundZeroPrimary := view.Round == 0 &&
		i.validator.IsProposer(i.validator.ID(), view.Height, view.Round) &&
		i.state.getProposalMessage() == nil

	if isRoundZeroPrimary {
		i.proposeNow(view, value)

		return
	}

	i.state.setPendingProposal(value)
}

// newProposalEvent carries a future-round proposal observed by
// watchForFutureProposal back to RunSequence's select loop.
type newProposalEvent struct {
	proposalMessage *messages.Message
	round           uint64
}

func (i *IBFT) signalRoundExpired(ctx context.Context) {
	select {
	case i.roundExpired <- struct{}{}:
	case <-ctx.Done():
	}
}

func (i *IBFT) signalRoundDone(ctx context.Context) {
	select {
	case i.roundDone <- struct{}{}:
	case <-ctx.Done():
	}
}

func (i *IBFT) signalNewRCC(ctx context.Context, round uint64) {
	select {
	case i.roundCertificate <- round:
	case <-ctx.Done():
	}
}

func (i *IBFT) signalNewProposal(ctx context.Context, event newProposalEvent) {
	select {
	case i.newProposal <- event:
	case <-ctx.Done():
	}
}

// startRoundTimer arms the round timer for round and blocks until it
// fires (honoring its epoch) or ctx is cancelled.
func (i *IBFT) startRoundTimer(ctx context.Context, round uint64) {
	defer i.wg.Done()

	fired, stop := i.timer.arm(round)
	defer stop()

	select {
	case <-ctx.Done():
	case <-fired:
		i.signalRoundExpired(ctx)
	}
}

// watchForFutureProposal listens for a valid PRE-PREPARE addressed to a
// round beyond the current one, so a participant lagging behind (e.g.
// after an f+1 jump elsewhere in the network) doesn't stall on its own
// round timer alone.
func (i *IBFT) watchForFutureProposal(ctx context.Context) {
	defer i.wg.Done()

	view := i.state.getView()
	nextRound := view.Round + 1

	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypePrePrepare,
		View:        &messages.View{Height: view.Height, Round: nextRound},
		HasMinRound: true,
		HasQuorumFn: func(_ uint64, msgs []*messages.Message, _ messages.MessageType) bool {
			return len(msgs) >= 1
		},
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case round := <-sub.SubCh:
			proposal := i.handlePrePrepare(&messages.View{Height: view.Height, Round: round})
			if proposal == nil {
				continue
			}

			i.signalNewProposal(ctx, newProposalEvent{proposal, round})

			return
		}
	}
}

// watchForRoundChangeCertificates waits until F+1 distinct participants
// have sent ROUND-CHANGE for the same round higher than the current one,
// which (per the f+1 rule, see checkFPlus1Jump) lets this participant hop
// forward without waiting on its own timer.
func (i *IBFT) watchForRoundChangeCertificates(ctx context.Context) {
	defer i.wg.Done()

	view := i.state.getView()

	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypeRoundChange,
		View:        &messages.View{Height: view.Height, Round: view.Round + 1},
		HasMinRound: true,
		HasQuorumFn: func(_ uint64, msgs []*messages.Message, _ messages.MessageType) bool {
			return len(msgs) >= 1
		},
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.SubCh:
			if newRound, ok := i.checkFPlus1Jump(view.Round); ok {
				i.signalNewRCC(ctx, newRound)

				return
			}
		}
	}
}

// RunSequence drives the IBFT protocol for consensus instance h until it
// decides or ctx is cancelled.
func (i *IBFT) RunSequence(ctx context.Context, h uint64) {
	i.state.clear(h)
	i.gc(h)

	i.log.Info("sequence started", "height", h)
	defer i.log.Info("sequence done", "height", h)

	for {
		view := i.state.getView()

		i.log.Info("round started", "round", view.Round)

		currentRound := view.Round
		ctxRound, cancelRound := context.WithCancel(ctx)

		i.wg.Add(4)

		go i.startRoundTimer(ctxRound, currentRound)
		go i.watchForFutureProposal(ctxRound)
		go i.watchForRoundChangeCertificates(ctxRound)
		go i.startRound(ctxRound)

		teardown := func() {
			cancelRound()
			i.wg.Wait()
		}

		select {
		case ev := <-i.newProposal:
			teardown()
			i.log.Info("received future proposal", "round", ev.round)

			i.state.moveToNewRound(ev.round)
			i.acceptProposal(ev.proposalMessage)
			i.sendPrepareMessage(i.state.getView())

		case round := <-i.roundCertificate:
			teardown()
			i.log.Info("received future round-change certificate", "round", round)

			i.state.moveToNewRound(round)

		case <-i.roundExpired:
			teardown()
			i.log.Info("round timeout expired", "round", currentRound)

			i.onRoundExpired(h, currentRound)

		case <-i.roundDone:
			teardown()

			return

		case <-ctxRound.Done():
			teardown()
			i.log.Debug("sequence cancelled")

			return
		}
	}
}

// startRound runs one round's reception loop: if this participant is
// primary, it builds and broadcasts PRE-PREPARE first.
func (i *IBFT) startRound(ctx context.Context) {
	defer i.wg.Done()

	view := i.state.getView()
	id := i.validator.ID()

	if i.validator.IsProposer(id, view.Height, view.Round) {
		i.log.Info("we are the proposer")

		// buildProposal performs its own broadcast (PRE-PREPARE for
		// round 0, NEW-ROUND for round > 0); this participant then
		// observes and accepts it back through the ordinary reception
		// pipeline below, same as every other recipient.
		i.buildProposal(ctx, view)
	}

	i.runReceptions(ctx)
}

func (i *IBFT) runReceptions(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); i.runPrePrepare(ctx) }()
	go func() { defer wg.Done(); i.runPrepare(ctx) }()
	go func() { defer wg.Done(); i.runCommit(ctx) }()

	wg.Wait()
}

// acceptProposal records the accepted PRE-PREPARE into state.
func (i *IBFT) acceptProposal(proposalMessage *messages.Message) {
	i.state.setProposalMessage(proposalMessage)
}

func (i *IBFT) proposeNow(view *messages.View, value []byte) {
	if !i.validity.IsValid(value) {
		i.log.Error("refusing to propose invalid value")

		return
	}

	msg := messages.Build(messages.MessageTypePrePrepare, view, i.validator.ID(), value)

	signed, err := msg.Sign(i.signer.Sign)
	if err != nil {
		i.log.Error("failed to sign proposal", "err", err)

		return
	}

	i.acceptProposal(signed)
	i.sendPrePrepareMessage(signed)
}

// Deliver is the transport's inbound path: it performs signature
// verification, deduplication, and sequence filtering before routing the
// message to the log (and, via subscriptions, to whichever engine is
// waiting on it). Every failure mode here is recovered locally per the
// core's error-handling design: nothing is ever returned to the
// transport.
func (i *IBFT) Deliver(message *messages.Message) {
	if message == nil || message.View == nil {
		return
	}

	// I1: only the designated primary may send PRE-PREPARE/NEW-ROUND.
	if message.Type == messages.MessageTypePrePrepare || message.Type == messages.MessageTypeNewRound {
		if !i.validator.IsProposer(message.From, message.View.Height, message.View.Round) {
			return
		}
	}

	if !i.validator.IsValidValidator(message.From) {
		return
	}

	if !i.validator.Verify(message.From, messages.Digest(message), message.Signature) {
		return
	}

	height := i.state.getHeight()
	round := i.state.getRound()

	// StaleSequence: drop messages for an instance already behind us.
	if message.View.Height < height {
		return
	}

	// Current-instance messages for a round behind ours are stale too.
	if message.View.Height == height && message.View.Round < round {
		return
	}

	if !i.messages.AddMessage(message) {
		return
	}

	// FutureSequence/FutureView (spec §5/§7): a future-instance or
	// future-round message is recorded in the log so this participant's
	// own sequence/round can pick it up once it catches up, but only
	// within MaxBufferedMessages — on overflow the oldest buffered
	// future entry is evicted, never a current-round message.
	isFuture := message.View.Height > height || (message.View.Height == height && message.View.Round > round)
	if isFuture {
		i.bufferFuture(message)
	}

	i.messages.SignalEvent(message)

	if message.Type == messages.MessageTypeNewRound {
		i.synthesizePrePrepare(message)
	}
}

// bufferFuture tracks message as a future-instance/future-round entry
// subject to config.MaxBufferedMessages backpressure. Once the bound is
// exceeded, the oldest buffered future entry is evicted from the log —
// current-round messages, which never pass through this path, are never
// the ones dropped.
func (i *IBFT) bufferFuture(message *messages.Message) {
	i.futureMu.Lock()
	defer i.futureMu.Unlock()

	i.future = append(i.future, message)

	for len(i.future) > i.config.MaxBufferedMessages {
		oldest := i.future[0]
		i.future = i.future[1:]
		i.messages.Remove(oldest)
	}
}
