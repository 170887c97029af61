package encryption

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/config"
)

func localConfig(key byte) *config.Config {
	master := make([]byte, 32)
	for i := range master {
		master[i] = key
	}
	return &config.Config{Encryption: config.EncryptionConfig{MasterKey: master}}
}

func TestEncryptDecrypt_LocalMasterKey(t *testing.T) {
	ctx := context.Background()
	em, err := NewEncryptionManager(localConfig(7), nil)
	require.NoError(t, err)

	sealed, err := em.EncryptField(ctx, "https://t.me/+secret")
	require.NoError(t, err)
	assert.Equal(t, localKeyID, sealed.KeyID)
	assert.NotContains(t, sealed.EncryptedValue, "secret")

	// A second manager with the same master key reads values across restarts.
	other, err := NewEncryptionManager(localConfig(7), nil)
	require.NoError(t, err)
	plain, err := other.DecryptField(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+secret", plain)
}

func TestDecrypt_WrongMasterKeyFails(t *testing.T) {
	ctx := context.Background()
	em, err := NewEncryptionManager(localConfig(1), nil)
	require.NoError(t, err)
	sealed, err := em.EncryptField(ctx, "value")
	require.NoError(t, err)

	other, err := NewEncryptionManager(localConfig(2), nil)
	require.NoError(t, err)
	_, err = other.DecryptField(ctx, sealed)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

type fakeKMS struct {
	key      []byte
	decrypts int
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	return &kms.GenerateDataKeyOutput{Plaintext: f.key, CiphertextBlob: []byte("wrapped-by-kms"), KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypts++
	if string(in.CiphertextBlob) != "wrapped-by-kms" {
		return nil, errors.New("invalid ciphertext")
	}
	return &kms.DecryptOutput{Plaintext: f.key}, nil
}

func TestEncryptDecrypt_KMS_CachesDataKey(t *testing.T) {
	ctx := context.Background()
	fk := &fakeKMS{key: make([]byte, 32)}
	cfg := &config.Config{KMS: config.KMSConfig{Enabled: true, KeyID: "alias/invite-gate"}}

	em, err := NewEncryptionManager(cfg, fk)
	require.NoError(t, err)
	sealed, err := em.EncryptField(ctx, "https://t.me/joinchat/abc")
	require.NoError(t, err)
	assert.Equal(t, "alias/invite-gate", sealed.KeyID)

	em.ClearCache()
	for range 2 {
		plain, err := em.DecryptField(ctx, sealed)
		require.NoError(t, err)
		assert.Equal(t, "https://t.me/joinchat/abc", plain)
	}
	assert.Equal(t, 1, fk.decrypts)
}
