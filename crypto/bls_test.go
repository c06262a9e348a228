package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBLSSignVerify(t *testing.T) {
	pub, secret, err := BLSKeyGen(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	require.Len(t, pub, BLSPublicKeySize)
	require.Len(t, secret, BLSSecretKeySize)

	msg := []byte("bid trace root")
	sig, err := BLSSign(secret, msg)
	require.NoError(t, err)
	require.Len(t, sig, BLSSignatureSize)

	require.True(t, BLSVerify(pub, msg, sig))
	require.False(t, BLSVerify(pub, []byte("other"), sig))

	otherPub, _, err := BLSKeyGen(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	require.False(t, BLSVerify(otherPub, msg, sig))
}

func TestBLSMalformedInputs(t *testing.T) {
	_, _, err := BLSKeyGen([]byte("short"))
	require.ErrorIs(t, err, ErrBLSInvalidIKM)

	_, err = BLSSign([]byte{1, 2, 3}, []byte("msg"))
	require.ErrorIs(t, err, ErrBLSInvalidSecretKey)

	require.False(t, BLSVerify(nil, []byte("msg"), nil))
	require.False(t, BLSVerify(make([]byte, BLSPublicKeySize), []byte("msg"), make([]byte, BLSSignatureSize)))
}
