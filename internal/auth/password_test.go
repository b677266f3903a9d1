package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, CheckPasswordHash("correct horse battery staple", hash))
	assert.False(t, CheckPasswordHash("wrong password entirely", hash))
	assert.False(t, CheckPasswordHash("correct horse battery staple", "not-a-hash"))
}

func TestValidatePasswordComplexity(t *testing.T) {
	assert.Error(t, ValidatePasswordComplexity("short"))
	assert.NoError(t, ValidatePasswordComplexity("long enough password"))
}

func TestCredentialStore(t *testing.T) {
	hash, err := HashPassword("admin-password-1")
	require.NoError(t, err)

	creds := NewCredentialStore("admin", hash)
	assert.True(t, creds.Enabled())
	assert.True(t, creds.Verify("admin", "admin-password-1"))
	assert.False(t, creds.Verify("admin", "wrong"))
	assert.False(t, creds.Verify("intruder", "admin-password-1"))
}

func TestCredentialStoreDisabledRejectsEverything(t *testing.T) {
	creds := NewCredentialStore("", "")
	assert.False(t, creds.Enabled())
	assert.False(t, creds.Verify("", ""))
	assert.False(t, creds.Verify("admin", "anything"))
}
