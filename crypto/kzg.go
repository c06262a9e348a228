package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	goethkzg "github.com/crate-crypto/go-eth-kzg"
	"github.com/ethereum/go-ethereum/common"
)

// EIP-4844 sizes.
const (
	BlobSize       = 131072
	CommitmentSize = 48
	ProofSize      = 48

	// BlobCommitmentVersionKZG prefixes versioned hashes of KZG commitments.
	BlobCommitmentVersionKZG byte = 0x01
)

var (
	ErrKZGBlobSize       = errors.New("kzg: invalid blob size")
	ErrKZGCommitmentSize = errors.New("kzg: invalid commitment size")
	ErrKZGProofSize      = errors.New("kzg: invalid proof size")
	ErrKZGBatchLength    = errors.New("kzg: blobs, commitments and proofs differ in length")
)

// KZG verifies blob commitments against the Ethereum ceremony setup. The
// setup is loaded on first use, which takes a few seconds.
type KZG struct {
	once sync.Once
	ctx  *goethkzg.Context
	err  error
}

var defaultKZG KZG

// DefaultKZG returns the process-wide instance.
func DefaultKZG() *KZG { return &defaultKZG }

func (k *KZG) context() (*goethkzg.Context, error) {
	k.once.Do(func() {
		k.ctx, k.err = goethkzg.NewContext4096Secure()
		if k.err != nil {
			k.err = fmt.Errorf("kzg: load trusted setup: %w", k.err)
		}
	})
	return k.ctx, k.err
}

// BlobToCommitment commits to blob.
func (k *KZG) BlobToCommitment(blob []byte) ([]byte, error) {
	if len(blob) != BlobSize {
		return nil, ErrKZGBlobSize
	}
	ctx, err := k.context()
	if err != nil {
		return nil, err
	}
	comm, err := ctx.BlobToKZGCommitment((*goethkzg.Blob)(blob), 0)
	if err != nil {
		return nil, err
	}
	return comm[:], nil
}

// ComputeBlobProof proves blob against commitment.
func (k *KZG) ComputeBlobProof(blob, commitment []byte) ([]byte, error) {
	if len(blob) != BlobSize {
		return nil, ErrKZGBlobSize
	}
	if len(commitment) != CommitmentSize {
		return nil, ErrKZGCommitmentSize
	}
	ctx, err := k.context()
	if err != nil {
		return nil, err
	}
	proof, err := ctx.ComputeBlobKZGProof((*goethkzg.Blob)(blob), goethkzg.KZGCommitment(commitment), 0)
	if err != nil {
		return nil, err
	}
	return proof[:], nil
}

// VerifyBlobProofs checks every blob against its commitment and proof in
// one batch.
func (k *KZG) VerifyBlobProofs(blobs, commitments, proofs [][]byte) error {
	n := len(blobs)
	if n != len(commitments) || n != len(proofs) {
		return fmt.Errorf("%w: %d, %d, %d", ErrKZGBatchLength, n, len(commitments), len(proofs))
	}
	if n == 0 {
		return nil
	}
	var (
		blobPtrs = make([]*goethkzg.Blob, n)
		comms    = make([]goethkzg.KZGCommitment, n)
		kzgProof = make([]goethkzg.KZGProof, n)
	)
	for i := range blobs {
		switch {
		case len(blobs[i]) != BlobSize:
			return fmt.Errorf("%w: blob %d", ErrKZGBlobSize, i)
		case len(commitments[i]) != CommitmentSize:
			return fmt.Errorf("%w: commitment %d", ErrKZGCommitmentSize, i)
		case len(proofs[i]) != ProofSize:
			return fmt.Errorf("%w: proof %d", ErrKZGProofSize, i)
		}
		blobPtrs[i] = (*goethkzg.Blob)(blobs[i])
		comms[i] = goethkzg.KZGCommitment(commitments[i])
		kzgProof[i] = goethkzg.KZGProof(proofs[i])
	}
	ctx, err := k.context()
	if err != nil {
		return err
	}
	return ctx.VerifyBlobKZGProofBatch(blobPtrs, comms, kzgProof)
}

// VersionedHash is the EIP-4844 versioned hash of a commitment.
func VersionedHash(commitment []byte) common.Hash {
	h := common.Hash(sha256.Sum256(commitment))
	h[0] = BlobCommitmentVersionKZG
	return h
}
