package credential

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := NewCipher("test-secret")
	require.NoError(t, err)
	store, err := NewStore(filepath.Join(t.TempDir(), "credentials.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt("api-key-value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "api-key-value")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-key-value", plain)
}

func TestCipherDetectsTampering(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt("value")
	require.NoError(t, err)
	corrupted := strings.Replace(sealed, sealed[4:5], "A", 1)
	if corrupted == sealed {
		corrupted = strings.Replace(sealed, sealed[4:5], "B", 1)
	}

	_, err = c.Decrypt(corrupted)
	assert.ErrorIs(t, err, ErrCipherTampered)
}

func TestCipherWrongKeyIsTampered(t *testing.T) {
	c1, err := NewCipher("one")
	require.NoError(t, err)
	c2, err := NewCipher("two")
	require.NoError(t, err)

	sealed, err := c1.Encrypt("value")
	require.NoError(t, err)
	_, err = c2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrCipherTampered)
}

func TestCipherEmptyValueRoundTrip(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)
	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{
		UserID:     "u1",
		Exchange:   "okx",
		APIKey:     "key",
		APISecret:  "secret",
		Passphrase: "phrase",
		IsTestnet:  true,
	}))

	rec, err := store.Get(ctx, "u1", "okx")
	require.NoError(t, err)
	assert.Equal(t, "key", rec.APIKey)
	assert.Equal(t, "secret", rec.APISecret)
	assert.Equal(t, "phrase", rec.Passphrase)
	assert.True(t, rec.IsTestnet)
	assert.True(t, rec.IsValid)

	creds := rec.Credentials()
	assert.Equal(t, "key", creds.APIKey)
	assert.True(t, creds.Testnet)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nobody", "bybit")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateAndReRegister(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "binance", APIKey: "k2", APISecret: "s2"}))

	require.NoError(t, store.Invalidate(ctx, "u1", "bybit"))
	rec, err := store.Get(ctx, "u1", "bybit")
	require.NoError(t, err)
	assert.False(t, rec.IsValid)

	// The other exchange's record is untouched.
	other, err := store.Get(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.True(t, other.IsValid)

	// Re-registration replaces the secrets and resets validity.
	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "k1-new", APISecret: "s1-new"}))
	rec, err = store.Get(ctx, "u1", "bybit")
	require.NoError(t, err)
	assert.True(t, rec.IsValid)
	assert.Equal(t, "k1-new", rec.APIKey)
}

func TestListValidSkipsInvalidated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "k", APISecret: "s"}))
	require.NoError(t, store.Save(ctx, &Record{UserID: "u2", Exchange: "okx", APIKey: "k", APISecret: "s", Passphrase: "p"}))
	require.NoError(t, store.Invalidate(ctx, "u1", "bybit"))

	records, err := store.ListValid(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "u2", records[0].UserID)
}

func TestMarkValidated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "k", APISecret: "s"}))
	require.NoError(t, store.MarkValidated(ctx, "u1", "bybit"))

	rec, err := store.Get(ctx, "u1", "bybit")
	require.NoError(t, err)
	require.NotNil(t, rec.LastValidated)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "k", APISecret: "s"}))
	require.NoError(t, store.Delete(ctx, "u1", "bybit"))
	assert.ErrorIs(t, store.Delete(ctx, "u1", "bybit"), ErrNotFound)
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	cipher, err := NewCipher("test-secret")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "credentials.db")
	store, err := NewStore(path, cipher)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", Exchange: "bybit", APIKey: "PLAINTEXT-KEY", APISecret: "s"}))

	var raw string
	err = store.db.QueryRow(`SELECT api_key FROM api_credentials WHERE user_id = 'u1'`).Scan(&raw)
	require.NoError(t, err)
	assert.NotEqual(t, "PLAINTEXT-KEY", raw)
	assert.NotContains(t, raw, "PLAINTEXT")
}
