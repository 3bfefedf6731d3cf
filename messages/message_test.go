package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithMethodsDoNotMutateReceiver(t *testing.T) {
	view := &View{Height: 1, Round: 0}
	base := Build(MessageTypeRoundChange, view, 0, nil)

	pc := &PreparedCertificate{ProposalMessage: Build(MessageTypePrePrepare, view, 0, []byte("v"))}
	withPC := base.WithPreparedCertificate(pc)

	assert.Nil(t, base.PreparedCertificate)
	assert.Same(t, pc, withPC.PreparedCertificate)

	withSeal := withPC.WithCommittedSeal([]byte("seal"))
	assert.Nil(t, withPC.CommittedSeal)
	assert.Equal(t, []byte("seal"), withSeal.CommittedSeal)
}

func TestSignProducesIndependentSignedCopy(t *testing.T) {
	view := &View{Height: 1, Round: 0}
	unsigned := Build(MessageTypePrepare, view, 0, []byte("v"))

	signed, err := unsigned.Sign(func(d [32]byte) ([]byte, error) { return d[:], nil })
	require.NoError(t, err)

	assert.Nil(t, unsigned.Signature)
	assert.NotNil(t, signed.Signature)
	assert.Equal(t, Digest(unsigned)[:], signed.Signature)
}

func TestPreparedRoundAndValue(t *testing.T) {
	rc := Build(MessageTypeRoundChange, &View{Height: 1, Round: 2}, 0, nil)
	assert.Equal(t, int64(-1), rc.PreparedRound())
	assert.Nil(t, rc.PreparedValue())

	pp := Build(MessageTypePrePrepare, &View{Height: 1, Round: 1}, 0, []byte("v"))
	withPC := rc.WithPreparedCertificate(&PreparedCertificate{ProposalMessage: pp})

	assert.Equal(t, int64(1), withPC.PreparedRound())
	assert.Equal(t, []byte("v"), withPC.PreparedValue())
}

func TestHasUniqueSendersAndSameProposalHash(t *testing.T) {
	view := &View{Height: 1, Round: 0}

	unique := []*Message{
		Build(MessageTypePrepare, view, 0, []byte("v")),
		Build(MessageTypePrepare, view, 1, []byte("v")),
	}
	assert.True(t, HasUniqueSenders(unique))
	assert.True(t, HaveSameProposalHash(unique))

	duplicate := []*Message{
		Build(MessageTypePrepare, view, 0, []byte("v")),
		Build(MessageTypePrepare, view, 0, []byte("v")),
	}
	assert.False(t, HasUniqueSenders(duplicate))

	mismatched := []*Message{
		Build(MessageTypePrepare, view, 0, []byte("v")),
		Build(MessageTypePrepare, view, 1, []byte("other")),
	}
	assert.False(t, HaveSameProposalHash(mismatched))
}
