package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressEncodings(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.Address()
	require.False(t, addr.IsZero())

	bech := addr.String()
	require.True(t, strings.HasPrefix(bech, AddressPrefix+"1"))
	parsed, err := ParseAddress(bech)
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	parsed, err = ParseAddress(addr.Hex())
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	parsed, err = ParseAddress("  " + strings.ToLower(addr.Hex()) + " ")
	require.NoError(t, err)
	require.Equal(t, addr, parsed)
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "0xzz", "rent1invalid", "nhb1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"} {
		_, err := ParseAddress(raw)
		require.True(t, errors.Is(err, ErrInvalidAddress), "input %q: %v", raw, err)
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	msg := []byte("rental sign-in nonce 42")
	sig, err := key.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)

	other, err := RecoverSigner([]byte("different"), sig)
	require.NoError(t, err)
	require.NotEqual(t, key.Address(), other)

	_, err = RecoverSigner(msg, sig[:64])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	require.NoError(t, SaveToKeystore(path, key, "secret", LightKeystore))

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
