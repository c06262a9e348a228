package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKZGBlobProofRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("loads the trusted setup")
	}
	k := DefaultKZG()
	blob := make([]byte, BlobSize)
	blob[31] = 1

	comm, err := k.BlobToCommitment(blob)
	require.NoError(t, err)
	proof, err := k.ComputeBlobProof(blob, comm)
	require.NoError(t, err)

	require.NoError(t, k.VerifyBlobProofs([][]byte{blob}, [][]byte{comm}, [][]byte{proof}))

	other := make([]byte, BlobSize)
	other[63] = 2
	require.Error(t, k.VerifyBlobProofs([][]byte{other}, [][]byte{comm}, [][]byte{proof}))
}

func TestKZGInputChecks(t *testing.T) {
	k := new(KZG)
	require.NoError(t, k.VerifyBlobProofs(nil, nil, nil))
	require.ErrorIs(t, k.VerifyBlobProofs([][]byte{{}}, nil, nil), ErrKZGBatchLength)
	require.ErrorIs(t, k.VerifyBlobProofs([][]byte{{1}}, [][]byte{{}}, [][]byte{{}}), ErrKZGBlobSize)

	_, err := k.BlobToCommitment([]byte{1})
	require.ErrorIs(t, err, ErrKZGBlobSize)
}

func TestVersionedHash(t *testing.T) {
	h := VersionedHash(make([]byte, CommitmentSize))
	require.Equal(t, BlobCommitmentVersionKZG, h[0])
	require.NotEqual(t, h, VersionedHash(append([]byte{1}, make([]byte, CommitmentSize-1)...)))
}
