package secrets

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// memStore is an in-memory SecretStore for tests.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	value, ok := m.data[key]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "secret %q not found", key)
	}
	return value, nil
}

func (m *memStore) DeleteSecret(ctx context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return flow.NewErrorf(flow.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) ListSecrets(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func testKey() []byte {
	return bytes.Repeat([]byte{0xAB}, 32)
}

func newTestVault(t *testing.T) (*AESVault, *memStore) {
	t.Helper()
	ms := newMemStore()
	vault, err := NewAESVault(ms, VaultConfig{MasterKey: testKey()})
	require.NoError(t, err)
	return vault, ms
}

// --- Key derivation ---

func TestNewAESVault_MasterKeyWrongSize(t *testing.T) {
	_, err := NewAESVault(newMemStore(), VaultConfig{MasterKey: []byte("short")})
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
}

func TestNewAESVault_RequiresKeyOrPassphrase(t *testing.T) {
	_, err := NewAESVault(newMemStore(), VaultConfig{})
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
}

func TestNewAESVault_PassphraseRequiresSalt(t *testing.T) {
	_, err := NewAESVault(newMemStore(), VaultConfig{Passphrase: "hunter2"})
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
}

func TestNewAESVault_PassphraseDerivation(t *testing.T) {
	ms := newMemStore()
	cfg := VaultConfig{Passphrase: "hunter2", Salt: []byte("stepflow-salt")}

	v1, err := NewAESVault(ms, cfg)
	require.NoError(t, err)
	require.NoError(t, v1.Store(context.Background(), "token", []byte("value")))

	// Same passphrase and salt derive the same key.
	v2, err := NewAESVault(ms, cfg)
	require.NoError(t, err)
	got, err := v2.Resolve(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

// --- Store / Resolve ---

func TestAESVault_RoundTrip(t *testing.T) {
	vault, ms := newTestVault(t)
	ctx := context.Background()

	plaintext := []byte("s3cr3t-api-token")
	require.NoError(t, vault.Store(ctx, "api-token", plaintext))

	// Persisted bytes are ciphertext, not the plaintext.
	stored := ms.data["api-token"]
	require.NotEmpty(t, stored)
	assert.NotContains(t, string(stored), "s3cr3t")

	got, err := vault.Resolve(ctx, "api-token")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestAESVault_NonceUnique(t *testing.T) {
	vault, ms := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "a", []byte("same")))
	first := append([]byte(nil), ms.data["a"]...)
	require.NoError(t, vault.Store(ctx, "a", []byte("same")))

	assert.NotEqual(t, first, ms.data["a"], "same plaintext must not produce the same ciphertext")
}

func TestAESVault_ResolveMissing(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.Resolve(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
}

func TestAESVault_WrongKeyFailsDecrypt(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()

	v1, err := NewAESVault(ms, VaultConfig{MasterKey: testKey()})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "token", []byte("value")))

	v2, err := NewAESVault(ms, VaultConfig{MasterKey: bytes.Repeat([]byte{0xCD}, 32)})
	require.NoError(t, err)

	_, err = v2.Resolve(ctx, "token")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
}

func TestAESVault_TamperedCiphertextFails(t *testing.T) {
	vault, ms := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "token", []byte("value")))
	ms.data["token"][len(ms.data["token"])-1] ^= 0xFF

	_, err := vault.Resolve(ctx, "token")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
}

func TestAESVault_TruncatedCiphertextFails(t *testing.T) {
	vault, ms := newTestVault(t)
	ms.data["token"] = []byte{0x01, 0x02}

	_, err := vault.Resolve(context.Background(), "token")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeVault, flow.CodeOf(err))
	assert.Contains(t, err.Error(), "too short")
}

// --- Delete / List ---

func TestAESVault_DeleteAndList(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "beta", []byte("2")))
	require.NoError(t, vault.Store(ctx, "alpha", []byte("1")))

	keys, err := vault.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, keys)

	require.NoError(t, vault.Delete(ctx, "alpha"))
	keys, err = vault.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, keys)

	err = vault.Delete(ctx, "ghost")
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
}
