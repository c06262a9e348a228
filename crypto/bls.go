// Package crypto wraps the BLS12-381 and KZG primitives used to check
// builder submissions.
package crypto

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// Sizes of the MinPk scheme: public keys in G1, signatures in G2.
const (
	BLSPublicKeySize = 48
	BLSSignatureSize = 96
	BLSSecretKeySize = 32
)

// blsDST is the Ethereum proof-of-possession ciphersuite tag.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

var (
	ErrBLSInvalidIKM       = errors.New("bls: key material must be at least 32 bytes")
	ErrBLSKeyGen           = errors.New("bls: key generation failed")
	ErrBLSInvalidSecretKey = errors.New("bls: invalid secret key")
	ErrBLSSign             = errors.New("bls: signing failed")
)

// BLSKeyGen derives a key pair from ikm. It returns the compressed public
// key and the serialized secret key.
func BLSKeyGen(ikm []byte) (pubkey, secret []byte, err error) {
	if len(ikm) < 32 {
		return nil, nil, ErrBLSInvalidIKM
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, nil, ErrBLSKeyGen
	}
	return new(blst.P1Affine).From(sk).Compress(), sk.Serialize(), nil
}

// BLSSign signs msg and returns the compressed signature.
func BLSSign(secret, msg []byte) ([]byte, error) {
	if len(secret) != BLSSecretKeySize {
		return nil, ErrBLSInvalidSecretKey
	}
	sk := new(blst.SecretKey).Deserialize(secret)
	if sk == nil {
		return nil, ErrBLSInvalidSecretKey
	}
	sig := new(blst.P2Affine).Sign(sk, msg, blsDST)
	if sig == nil {
		return nil, ErrBLSSign
	}
	return sig.Compress(), nil
}

// BLSVerify checks sig over msg by pubkey. Malformed keys or signatures
// fail verification.
func BLSVerify(pubkey, msg, sig []byte) bool {
	if len(pubkey) != BLSPublicKeySize || len(sig) != BLSSignatureSize {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsDST)
}
