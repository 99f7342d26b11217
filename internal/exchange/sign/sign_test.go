package sign

import (
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSHA256Hex(t *testing.T) {
	// RFC 4231 test case 2.
	got := HMACSHA256Hex("Jefe", "what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestHMACSHA512Hex(t *testing.T) {
	got := HMACSHA512Hex("Jefe", "what do ya want for nothing?")
	assert.Equal(t,
		"164b7a7bfcf819e2e395fbe73b56e0a387bd64222e831fd610270cd7ea2505549758bf75c05a994a6d034f65f8f0e6fdcaeab1a34d4a6b4b636e070a38bce737",
		got)
}

func TestHMACSHA256Base64MatchesHex(t *testing.T) {
	hexSig := HMACSHA256Hex("secret", "payload")
	b64Sig := HMACSHA256Base64("secret", "payload")
	raw, err := hex.DecodeString(hexSig)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), b64Sig)
}

func TestSHA512HexEmptyBody(t *testing.T) {
	// Gate signs the digest of the empty body for GET requests.
	assert.Equal(t,
		"cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e",
		SHA512Hex(""))
}

func TestSignerWalletAddress(t *testing.T) {
	// Well-known test vector: this key derives the hardhat account 0 address.
	w, err := NewSignerWallet("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", w.Address())
}

func TestNewSignerWalletRejectsGarbage(t *testing.T) {
	_, err := NewSignerWallet("not-a-key")
	assert.Error(t, err)
}

func TestPersonalSignRoundTrip(t *testing.T) {
	w, err := NewSignerWallet("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	digest := Keccak256Hash([]byte(`{"action":"test"}`))
	sigHex, err := w.PersonalSign(digest)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sigHex, "0x"))

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// Recover and compare against the signing address.
	sig[64] -= 27
	prefixed := Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), digest)
	pub, err := crypto.SigToPub(prefixed, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))
}

func TestPersonalSignRejectsBadDigestLength(t *testing.T) {
	w, err := NewSignerWallet("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	_, err = w.PersonalSign([]byte("short"))
	assert.Error(t, err)
}

func TestAsterPayloadDeterministic(t *testing.T) {
	user := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	signer := "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	nonce := big.NewInt(1700000000000000)

	d1, err := AsterPayload("symbol=BTCUSDT&timestamp=1", user, signer, nonce)
	require.NoError(t, err)
	d2, err := AsterPayload("symbol=BTCUSDT&timestamp=1", user, signer, nonce)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)

	d3, err := AsterPayload("symbol=BTCUSDT&timestamp=2", user, signer, nonce)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestAsterPayloadRejectsBadAddress(t *testing.T) {
	_, err := AsterPayload("q=1", "nope", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", big.NewInt(1))
	assert.Error(t, err)
}
