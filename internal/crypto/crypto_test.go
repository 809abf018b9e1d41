package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("test-encryption-key")
	require.NoError(t, err)

	ciphertext, err := box.Encrypt("smtp-secret-password")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "smtp-secret-password")

	plaintext, err := box.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "smtp-secret-password", plaintext)
}

func TestBoxNonceUniqueness(t *testing.T) {
	box, err := NewBox("test-encryption-key")
	require.NoError(t, err)

	a, err := box.Encrypt("same input")
	require.NoError(t, err)
	b, err := box.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "GCM nonce must differ per encryption")
}

func TestBoxWrongKey(t *testing.T) {
	box1, _ := NewBox("key-one")
	box2, _ := NewBox("key-two")

	ct, err := box1.Encrypt("secret")
	require.NoError(t, err)

	_, err = box2.Decrypt(ct)
	assert.Error(t, err)
}

func TestBoxRejectsBadInput(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)

	box, _ := NewBox("k")
	_, err = box.Decrypt("")
	assert.Error(t, err)
	_, err = box.Decrypt("not-hex!")
	assert.Error(t, err)
	_, err = box.Decrypt("abcd")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, CheckPassword("hunter22", hash))
	assert.False(t, CheckPassword("hunter23", hash))
}
