// Package crypto provides the default cryptographic collaborators for a
// core.IBFT participant: an ed25519 Signer and a fixed validator-set
// Validator keyed by participant id.
//
// The core depends only on the core.Signer/core.Validator interfaces, so
// this package is swappable — an embedder wanting BLS aggregate seals or
// a dynamically changing validator set provides its own implementation
// instead. No third-party signature package in the retrieved example
// corpus offered a narrower fit than the standard library's ed25519
// (constant-time, no external verify-key format to adopt), so this
// package is stdlib-only by design; see DESIGN.md.
package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/pikaneli/ibft/messages"
)

// ValidatorSet is a fixed, ordered set of participants, each identified
// by a small integer id (its index into Participants) and an ed25519
// verify key. The proposer schedule is the simple round-robin id == r
// mod N used throughout the normal-case and round-change engines.
type ValidatorSet struct {
	self         uint64
	participants []ed25519.PublicKey
	f            uint64
}

// NewValidatorSet builds a validator set of N = len(participants), with
// self identifying which participant this instance acts as. F is
// derived as the largest f with N >= 3f+1.
func NewValidatorSet(self uint64, participants []ed25519.PublicKey) (*ValidatorSet, error) {
	n := uint64(len(participants))
	if n == 0 {
		return nil, fmt.Errorf("crypto: empty validator set")
	}

	if self >= n {
		return nil, fmt.Errorf("crypto: self id %d out of range for %d participants", self, n)
	}

	return &ValidatorSet{
		self:         self,
		participants: participants,
		f:            (n - 1) / 3,
	}, nil
}

func (v *ValidatorSet) ID() uint64 { return v.self }

func (v *ValidatorSet) N() uint64 { return uint64(len(v.participants)) }

func (v *ValidatorSet) F() uint64 { return v.f }

// Quorum is the smallest size guaranteeing two quorums always share a
// correct participant: floor((N+F)/2)+1. At the tight deployment size
// N=3F+1 this is exactly 2F+1; it only differs when N exceeds 3F+1
// while F is held fixed (see core.Validator.Quorum).
func (v *ValidatorSet) Quorum() uint64 { return (v.N()+v.f)/2 + 1 }

// IsProposer implements the deterministic round-robin proposer
// schedule: proposer(height, round) = round mod N, the same at every
// height.
func (v *ValidatorSet) IsProposer(id, height, round uint64) bool {
	return id == round%v.N()
}

func (v *ValidatorSet) IsValidValidator(id uint64) bool {
	return id < v.N()
}

func (v *ValidatorSet) Verify(id uint64, digest [32]byte, sig []byte) bool {
	if !v.IsValidValidator(id) {
		return false
	}

	return ed25519.Verify(v.participants[id], digest[:], sig)
}

// HasQuorum reports whether msgs contains Quorum() messages of msgType
// from distinct, valid validators. Duplicate senders (an equivocating
// validator voting twice within the same batch) count once.
func (v *ValidatorSet) HasQuorum(_ uint64, msgs []*messages.Message, msgType messages.MessageType) bool {
	seen := make(map[uint64]struct{}, len(msgs))

	for _, msg := range msgs {
		if msg.Type != msgType {
			continue
		}

		if !v.IsValidValidator(msg.From) {
			continue
		}

		seen[msg.From] = struct{}{}
	}

	return uint64(len(seen)) >= v.Quorum()
}
