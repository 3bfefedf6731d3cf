package core

import (
	"bytes"
	"context"

	"github.com/pikaneli/ibft/messages"
)

// runPrePrepare blocks until a valid PRE-PREPARE for the current view is
// recorded, then accepts it and broadcasts the matching PREPARE.
func (i *IBFT) runPrePrepare(ctx context.Context) {
	view := i.state.getView()

	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypePrePrepare,
		View:        view,
		HasQuorumFn: func(_ uint64, msgs []*messages.Message, _ messages.MessageType) bool {
			return len(msgs) >= 1
		},
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		proposalMessage := i.handlePrePrepare(view)
		if proposalMessage != nil {
			i.acceptProposal(proposalMessage)
			i.sendPrepareMessage(view)

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.SubCh:
			continue
		}
	}
}

// handlePrePrepare returns the accepted PRE-PREPARE for view, if any
// valid one has been recorded, applying the round-0/round>0 validation
// split of the normal-case engine.
func (i *IBFT) handlePrePrepare(view *messages.View) *messages.Message {
	if i.state.getProposalMessage() != nil {
		return nil
	}

	isValid := func(msg *messages.Message) bool {
		if view.Round == 0 {
			return i.validateProposal0(msg, view)
		}

		return i.validateProposal(msg, view)
	}

	msgs := i.messages.GetValidMessages(view, messages.MessageTypePrePrepare, isValid)
	if len(msgs) < 1 {
		return nil
	}

	return msgs[0]
}

func (i *IBFT) validateProposalCommon(msg *messages.Message, view *messages.View) bool {
	if msg.View.Round != view.Round {
		return false
	}

	if !i.validator.IsProposer(msg.From, view.Height, view.Round) {
		return false
	}

	return i.validity.IsValid(msg.Value)
}

// validateProposal0 validates a PRE-PREPARE for round 0: no
// justification is required, and one that is attached is not checked.
func (i *IBFT) validateProposal0(msg *messages.Message, view *messages.View) bool {
	if msg.View.Round != 0 {
		return false
	}

	return i.validateProposalCommon(msg, view)
}

// validateProposal validates a PRE-PREPARE for round > 0: a
// RoundChangeCertificate justification is mandatory (spec §4.4: "the
// primary MUST attach a NEW-ROUND justification; otherwise PRE-PREPARE
// is rejected by receivers").
func (i *IBFT) validateProposal(msg *messages.Message, view *messages.View) bool {
	if !i.validateProposalCommon(msg, view) {
		return false
	}

	rcc := msg.RoundChangeCertificate
	if rcc == nil {
		return false
	}

	if !i.validator.HasQuorum(view.Height, rcc.RoundChangeMessages, messages.MessageTypeRoundChange) {
		return false
	}

	if !messages.HasUniqueSenders(rcc.RoundChangeMessages) {
		return false
	}

	for _, rc := range rcc.RoundChangeMessages {
		if rc.Type != messages.MessageTypeRoundChange {
			return false
		}

		if rc.View.Height != view.Height || rc.View.Round != view.Round {
			return false
		}

		if !i.validator.IsValidValidator(rc.From) {
			return false
		}
	}

	best, _ := messages.HighestPrepared(rcc.RoundChangeMessages)
	if best == nil {
		return true
	}

	pc := best.PreparedCertificate
	if !messages.ValidatePreparedCertificate(pc, view.Round, view.Height, i.validator.HasQuorum, i.validator.IsProposer, i.validator.IsValidValidator) {
		return false
	}

	return bytes.Equal(pc.ProposalMessage.Value, msg.Value)
}

func (i *IBFT) sendPrePrepareMessage(message *messages.Message) {
	i.transport.Broadcast(message)
}

func (i *IBFT) sendPrepareMessage(view *messages.View) {
	msg := messages.Build(messages.MessageTypePrepare, view, i.validator.ID(), i.state.getProposalValue())

	signed, err := msg.Sign(i.signer.Sign)
	if err != nil {
		i.log.Error("failed to sign prepare", "err", err)

		return
	}

	i.transport.Broadcast(signed)
}

// runPrepare blocks until a PREPARE-quorum forms for the accepted
// proposal, then finalizes the prepared certificate and broadcasts
// COMMIT.
func (i *IBFT) runPrepare(ctx context.Context) {
	view := i.state.getView()

	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypePrepare,
		View:        view,
		HasQuorumFn: i.validator.HasQuorum,
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		prepareMessages := i.handlePrepare(view)
		if prepareMessages != nil {
			pc := messages.BuildPreparedCertificate(i.state.getProposalMessage(), prepareMessages)
			i.state.finalizePrepare(pc, view.Round, i.state.getProposalValue())
			i.state.setCommitSent(true)

			i.sendCommitMessage(view)

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.SubCh:
			continue
		}
	}
}

// handlePrepare returns the PREPARE-quorum for view, if one has formed
// for the value matching the accepted proposal. Only fires once per
// round: a second call after commitSent is already true returns nil,
// which is how the crossing-edge-only trigger (spec §4.4 "Ordering and
// tie-breaks") is enforced at this layer.
func (i *IBFT) handlePrepare(view *messages.View) []*messages.Message {
	if i.state.getProposalMessage() == nil || i.state.getCommitSent() {
		return nil
	}

	proposalHash := i.state.getProposalHash()

	isValid := func(msg *messages.Message) bool {
		return messages.ExtractPrepareHash(msg) == proposalHash
	}

	prepareMessages := i.messages.GetValidMessages(view, messages.MessageTypePrepare, isValid)
	if !i.validator.HasQuorum(view.Height, prepareMessages, messages.MessageTypePrepare) {
		return nil
	}

	return prepareMessages
}

func (i *IBFT) sendCommitMessage(view *messages.View) {
	seal, err := i.signer.Sign(i.state.getProposalHash())
	if err != nil {
		i.log.Error("failed to seal commit", "err", err)

		return
	}

	msg := messages.Build(messages.MessageTypeCommit, view, i.validator.ID(), i.state.getProposalValue()).
		WithCommittedSeal(seal)

	signed, err := msg.Sign(i.signer.Sign)
	if err != nil {
		i.log.Error("failed to sign commit", "err", err)

		return
	}

	i.transport.Broadcast(signed)
}

// runCommit blocks until a COMMIT-quorum forms, decides the instance,
// and signals sequence completion. A participant may reach this point
// purely via COMMIT messages without ever having recorded the matching
// PRE-PREPARE/PREPARE locally (S6, "catch-up via COMMIT").
func (i *IBFT) runCommit(ctx context.Context) {
	view := i.state.getView()

	sub := i.messages.Subscribe(messages.SubscriptionDetails{
		MessageType: messages.MessageTypeCommit,
		View:        view,
		HasQuorumFn: i.validator.HasQuorum,
	})
	defer i.messages.Unsubscribe(sub.ID)

	for {
		if i.handleCommit(view) {
			i.signalRoundDone(ctx)

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.SubCh:
			continue
		}
	}
}

// handleCommit checks for a COMMIT-quorum at view for any value (the
// catch-up path may see a quorum for a value this participant never
// itself prepared) and, if found, decides the instance.
func (i *IBFT) handleCommit(view *messages.View) bool {
	if _, ok := i.state.getDecided(view.Height); ok {
		return false
	}

	candidates := i.messages.GetValidMessages(view, messages.MessageTypeCommit, func(*messages.Message) bool { return true })

	byValue := make(map[[32]byte][]*messages.Message)
	for _, msg := range candidates {
		h := messages.ExtractCommitHash(msg)
		byValue[h] = append(byValue[h], msg)
	}

	for _, group := range byValue {
		isValid := func(msg *messages.Message) bool {
			return i.validator.Verify(msg.From, messages.Digest(msg), msg.Signature) &&
				messages.ExtractCommittedSeal(msg) != nil
		}

		var valid []*messages.Message
		for _, msg := range group {
			if isValid(msg) {
				valid = append(valid, msg)
			}
		}

		if !i.validator.HasQuorum(view.Height, valid, messages.MessageTypeCommit) {
			continue
		}

		value := valid[0].Value

		seals, err := messages.ExtractCommittedSeals(valid)
		if err != nil {
			i.log.Error("failed to extract committed seals", "err", err)

			continue
		}

		i.state.setCommittedSeals(seals)

		if !i.state.setDecided(view.Height, value) {
			return false
		}

		i.notifyDecision(view.Height, value)
		i.gc(view.Height)

		return true
	}

	return false
}
