package ldap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSSHAHasher_KnownValues(t *testing.T) {
	salt := []byte("saltsalt")

	tests := []struct {
		algorithm string
		want      string
	}{
		{"SSHA", "{SSHA}1G904nLkTkGWjKNnQuB/hpWXC/hzYWx0c2FsdA=="},
		{"ssha256", "{SSHA256}oBmrdHcA6OZEkkCLeXh71YAerbvhXz1qqwjrPsXmEtNzYWx0c2FsdA=="},
		{"", "{SSHA512}aCu7JRc+kLsuEmFs1zTY+AiP7DSGnjjG+dH28Dp+E5usqoAixeTPihKqZmkWal4mUfp63tqvCAkFV1LKTDFH6XNhbHRzYWx0"},
		{"SSHA-512", "{SSHA512}aCu7JRc+kLsuEmFs1zTY+AiP7DSGnjjG+dH28Dp+E5usqoAixeTPihKqZmkWal4mUfp63tqvCAkFV1LKTDFH6XNhbHRzYWx0"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			got, err := SSHAHasher{Algorithm: tt.algorithm}.hashWithSalt("secret", salt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, SSHAHasher{}.Verify(got, "secret"))
			assert.False(t, SSHAHasher{}.Verify(got, "Secret"))
		})
	}
}

func TestSSHAHasher_Hash(t *testing.T) {
	h := SSHAHasher{}

	first, err := h.Hash("s3cret")
	require.NoError(t, err)
	second, err := h.Hash("s3cret")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first, "{SSHA512}"))
	assert.NotEqual(t, first, second, "each hash uses a fresh salt")
	assert.True(t, h.Verify(first, "s3cret"))
	assert.True(t, h.Verify(second, "s3cret"))

	_, err = SSHAHasher{Algorithm: "MD5"}.Hash("x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSSHAHasher_VerifyRejectsMalformed(t *testing.T) {
	h := SSHAHasher{}
	for _, hashed := range []string{
		"",
		"secret",
		"{SSHA}",
		"{SSHA}not-base64!",
		"{SSHA}c2hvcnQ=",
		"{MD5}Xr4ilOzQ4PCOq3aQ0qbuaQ==",
		"{CRYPT}$2a$10$abcdefghijklmnopqrstuv",
	} {
		assert.False(t, h.Verify(hashed, "secret"), hashed)
	}
}

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}

	hashed, err := h.Hash("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "{CRYPT}$2a$"))
	assert.True(t, h.Verify(hashed, "s3cret"))
	assert.False(t, h.Verify(hashed, "other"))
	assert.False(t, h.Verify(strings.TrimPrefix(hashed, "{CRYPT}"), "s3cret"), "scheme prefix required")

	_, err = BcryptHasher{Cost: bcrypt.MaxCost + 1}.Hash("x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsHashedPassword(t *testing.T) {
	assert.True(t, IsHashedPassword("{SSHA}abc"))
	assert.True(t, IsHashedPassword("{CRYPT}$6$x"))
	assert.True(t, IsHashedPassword("{PBKDF2-SHA512}10000$x"))
	assert.False(t, IsHashedPassword("plain"))
	assert.False(t, IsHashedPassword("{}x"))
	assert.False(t, IsHashedPassword(" {SSHA}abc"))
}

func TestHashPasswords(t *testing.T) {
	out, err := hashPasswords(SSHAHasher{Algorithm: "SSHA256"}, []string{"{CRYPT}kept", "clear"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "{CRYPT}kept", out[0])
	assert.True(t, strings.HasPrefix(out[1], "{SSHA256}"))

	_, err = hashPasswords(SSHAHasher{Algorithm: "nope"}, []string{"clear"})
	assert.Error(t, err)
}

func TestPasswordMatches(t *testing.T) {
	sshaStored, err := SSHAHasher{Algorithm: "SSHA"}.Hash("s3cret")
	require.NoError(t, err)
	bcryptStored, err := BcryptHasher{Cost: bcrypt.MinCost}.Hash("s3cret")
	require.NoError(t, err)

	assert.True(t, passwordMatches(SSHAHasher{}, sshaStored, "s3cret"))
	assert.True(t, passwordMatches(SSHAHasher{}, bcryptStored, "s3cret"), "any known scheme verifies")
	assert.True(t, passwordMatches(SSHAHasher{}, "{CRYPT}x", "{CRYPT}x"))
	assert.False(t, passwordMatches(SSHAHasher{}, sshaStored, "{SSHA}other"))
	assert.False(t, passwordMatches(SSHAHasher{}, "plain", "s3cret"))
}
