package core

import (
	"context"
	"errors"

	"github.com/pikaneli/ibft/messages"
)

// errNoSafeValue is returned internally when Safe-Value Selection cannot
// produce a value to (re)propose: no member of the round-change quorum
// carries a prepared certificate, and this participant has no pending
// value of its own to fall back to yet; or the highest-round prepared
// certificate in the quorum fails validation.
var errNoSafeValue = errors.New("core: no safe value available for round")

// onRoundExpired is the round-timer fire path: broadcast a ROUND-CHANGE
// for round+1, justified by this participant's own latest prepared
// certificate if it has one, then advance local state to that round.
func (i *IBFT) onRoundExpired(height, currentRound uint64) {
	newRound := currentRound + 1
	view := &messages.View{Height: height, Round: newRound}

	i.sendRoundChangeMessage(view)
	i.state.moveToNewRound(newRound)

	// MaxRounds is a liveness guard only (spec's supplemented config):
	// exceeding it never halts the instance, it just surfaces that this
	// participant has round-changed an unusually large number of times.
	if i.config.MaxRounds != 0 && newRound > i.config.MaxRounds {
		i.log.Error("exceeded configured max rounds for instance", "height", height, "round", newRound, "maxRounds", i.config.MaxRounds)
	}
}

func (i *IBFT) sendRoundChangeMessage(view *messages.View) {
	msg := messages.Build(messages.MessageTypeRoundChange, view, i.validator.ID(), nil)

	if pc := i.state.getLatestPC(); pc != nil {
		msg = msg.WithPreparedCertificate(pc)
	}

	signed, err := msg.Sign(i.signer.Sign)
	if err != nil {
		i.log.Error("failed to sign round-change", "err", err)

		return
	}

	i.transport.Broadcast(signed)
}

// checkFPlus1Jump implements the f+1 rule: if at least F()+1 distinct
// participants have announced the same round above currentRound (the
// round with the most such announcements is the one checked), that alone
// is proof at least one honest participant has moved on, so this
// participant jumps forward to that round rather than waiting for a full
// quorum or its own timeout.
func (i *IBFT) checkFPlus1Jump(currentRound uint64) (uint64, bool) {
	height := i.state.getHeight()

	msgs := i.messages.GetMostRoundChangeMessages(currentRound+1, height)
	if uint64(len(msgs)) < i.validator.F()+1 {
		return 0, false
	}

	return msgs[0].View.Round, true
}

// waitForRCC blocks until a quorum of ROUND-CHANGE messages for view is
// recorded, returning the certificate they form. Used by the primary of
// a round > 0 before it may propose: the RCC it broadcasts must itself
// be quorum-backed; the f+1 jump rule only justifies entering the
// round, not proposing in it.
func (i *IBFT) waitForRCC(ctx context.Context, view *messages.View) *messages.RoundChangeCertificate {
	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypeRoundChange,
		View:        view,
		HasQuorumFn: i.validator.HasQuorum,
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		msgs := i.messages.GetValidMessages(view, messages.MessageTypeRoundChange, func(*messages.Message) bool { return true })

		if i.validator.HasQuorum(view.Height, msgs, messages.MessageTypeRoundChange) {
			return &messages.RoundChangeCertificate{RoundChangeMessages: msgs}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sub.SubCh:
			continue
		}
	}
}

// nextProposalValue returns the value this participant should propose
// next: a value pushed via Propose takes priority over pulling from a
// ProposalSource, matching the teacher's "explicit beats polled"
// convention elsewhere in the config layer.
func (i *IBFT) nextProposalValue(height uint64) ([]byte, bool) {
	if value, ok := i.state.takePendingProposal(); ok {
		return value, true
	}

	if i.source != nil {
		return i.source.NextProposal(height)
	}

	return nil, false
}

// safeValue implements Algorithm 4 (Safe-Value Selection) against rcc,
// the round-change quorum this participant itself collected — never
// against local prepare logs, which the original implementation's
// design note flags as the documented bug this core corrects.
func (i *IBFT) safeValue(view *messages.View, rcc *messages.RoundChangeCertificate) ([]byte, error) {
	best, _ := messages.HighestPrepared(rcc.RoundChangeMessages)
	if best == nil {
		value, ok := i.nextProposalValue(view.Height)
		if !ok {
			return nil, errNoSafeValue
		}

		return value, nil
	}

	pc := best.PreparedCertificate
	if !messages.ValidatePreparedCertificate(pc, view.Round, view.Height, i.validator.HasQuorum, i.validator.IsProposer, i.validator.IsValidValidator) {
		return nil, errNoSafeValue
	}

	return pc.ProposalMessage.Value, nil
}

// buildProposal drives proposal construction for the round this
// participant is primary of: round 0 proposes directly; round > 0
// waits for its own round-change quorum, runs Safe-Value Selection, and
// broadcasts the result as NEW-ROUND rather than PRE-PREPARE, so
// receivers can apply the distinct NEW-ROUND validation/synthesis path
// of the round-change engine (spec §4.5) uniformly, including this
// participant itself, via the ordinary reception pipeline.
func (i *IBFT) buildProposal(ctx context.Context, view *messages.View) {
	if view.Round == 0 {
		value, ok := i.nextProposalValue(view.Height)
		if !ok {
			return
		}

		i.proposeNow(view, value)

		return
	}

	rcc := i.waitForRCC(ctx, view)
	if rcc == nil {
		return
	}

	value, err := i.safeValue(view, rcc)
	if err != nil {
		i.log.Error("no safe value for round", "round", view.Round, "err", err)

		return
	}

	if !i.validity.IsValid(value) {
		i.log.Error("safe value failed validity check")

		return
	}

	msg := messages.Build(messages.MessageTypeNewRound, view, i.validator.ID(), value).
		WithRoundChangeCertificate(rcc)

	if best, _ := messages.HighestPrepared(rcc.RoundChangeMessages); best != nil {
		msg = msg.WithPreparedCertificate(best.PreparedCertificate)
	}

	signed, err := msg.Sign(i.signer.Sign)
	if err != nil {
		i.log.Error("failed to sign new-round", "err", err)

		return
	}

	i.transport.Broadcast(signed)
}

// synthesizePrePrepare is the receiver half of NEW-ROUND handling
// (spec §4.5 final step): once a NEW-ROUND message validates, every
// recipient (including its own sender, via Transport's self-delivery
// contract) locally synthesizes the PRE-PREPARE it justifies and feeds
// it back into the message log, so the rest of the normal-case engine
// need not know NEW-ROUND exists at all.
func (i *IBFT) synthesizePrePrepare(newRoundMsg *messages.Message) {
	if !i.validateProposal(newRoundMsg, newRoundMsg.View) {
		return
	}

	synthesized := messages.Build(messages.MessageTypePrePrepare, newRoundMsg.View, newRoundMsg.From, newRoundMsg.Value).
		WithRoundChangeCertificate(newRoundMsg.RoundChangeCertificate)

	if !i.messages.AddMessage(synthesized) {
		return
	}

	i.messages.SignalEvent(synthesized)
}
