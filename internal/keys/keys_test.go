package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndKind(t *testing.T) {
	biz, err := GenerateBusinessKey()
	require.NoError(t, err)
	cust, err := GenerateCustomerKey()
	require.NoError(t, err)

	assert.Equal(t, TypeBusiness, KindOf(biz))
	assert.Equal(t, TypeCustomerAPI, KindOf(cust))
	assert.Equal(t, "", KindOf("sk_live_whatever"))

	other, err := GenerateBusinessKey()
	require.NoError(t, err)
	assert.NotEqual(t, biz, other, "keys must be unique")
}

func TestHashIsDeterministicAndOpaque(t *testing.T) {
	key := "tt_biz_0123456789abcdef"

	h1 := Hash(key)
	h2 := Hash(key)
	assert.Equal(t, h1, h2, "same key must always hash to the same digest")
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, key)

	assert.NotEqual(t, h1, Hash(key+"x"))
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("unit-test-secret")
	require.NoError(t, err)

	plaintext := "sk_live_very_secret_credential"
	sealed, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, sealed, plaintext)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// Each seal uses a fresh nonce.
	sealed2, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestEncryptorWrongSecretFails(t *testing.T) {
	enc, err := NewEncryptor("secret-a")
	require.NoError(t, err)
	sealed, err := enc.Encrypt("credential")
	require.NoError(t, err)

	wrong, err := NewEncryptor("secret-b")
	require.NoError(t, err)
	_, err = wrong.Decrypt(sealed)
	assert.Error(t, err)

	_, err = enc.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = NewEncryptor("")
	assert.Error(t, err)
}
