package ldap

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // {SSHA} is defined over SHA-1
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher turns a clear-text password into a userPassword value.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

var passwordSchemeRegex = regexp.MustCompile(`^\{[A-Za-z0-9._-]+\}`)

// IsHashedPassword reports whether value already carries a {SCHEME} prefix.
func IsHashedPassword(value string) bool {
	return passwordSchemeRegex.MatchString(value)
}

const sshaSaltLength = 8

// SSHAHasher produces salted SHA hashes: {SSHA}, {SSHA256} or {SSHA512}.
type SSHAHasher struct {
	// Algorithm is SSHA, SSHA256 or SSHA512; empty means SSHA512.
	Algorithm string
}

func (h SSHAHasher) scheme() (string, func() hash.Hash, error) {
	alg := strings.ToUpper(strings.ReplaceAll(h.Algorithm, "-", ""))
	switch alg {
	case "", "SSHA512":
		return "SSHA512", sha512.New, nil
	case "SSHA256":
		return "SSHA256", sha256.New, nil
	case "SSHA":
		return "SSHA", sha1.New, nil
	}
	return "", nil, newQueryError("hash password", ErrorCategoryValidation, "unsupported hash algorithm %q", h.Algorithm)
}

// Hash salts and hashes password with a fresh random salt.
func (h SSHAHasher) Hash(password string) (string, error) {
	salt := make([]byte, sshaSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return h.hashWithSalt(password, salt)
}

func (h SSHAHasher) hashWithSalt(password string, salt []byte) (string, error) {
	scheme, newHash, err := h.scheme()
	if err != nil {
		return "", err
	}
	d := newHash()
	d.Write([]byte(password))
	d.Write(salt)
	sum := d.Sum(nil)
	return "{" + scheme + "}" + base64.StdEncoding.EncodeToString(append(sum, salt...)), nil
}

// Verify checks password against an {SSHA*} value produced by Hash.
func (h SSHAHasher) Verify(hashed, password string) bool {
	scheme, rest, ok := strings.Cut(strings.TrimPrefix(hashed, "{"), "}")
	if !ok {
		return false
	}
	check := SSHAHasher{Algorithm: scheme}
	_, newHash, err := check.scheme()
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	size := newHash().Size()
	if err != nil || len(raw) <= size {
		return false
	}
	expected, err := check.hashWithSalt(password, raw[size:])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hashed)) == 1
}

// BcryptHasher produces {CRYPT} bcrypt hashes.
type BcryptHasher struct {
	Cost int
}

// Hash returns a {CRYPT} bcrypt hash at the configured cost.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", newQueryError("hash password", ErrorCategoryValidation, "%v", err)
	}
	return "{CRYPT}" + string(hashed), nil
}

// Verify checks password against a {CRYPT} bcrypt value.
func (h BcryptHasher) Verify(hashed, password string) bool {
	rest, ok := strings.CutPrefix(hashed, "{CRYPT}")
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(rest), []byte(password)) == nil
}

// hashPasswords hashes clear-text values; values with a scheme prefix pass through.
func hashPasswords(h PasswordHasher, values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		if IsHashedPassword(v) {
			out[i] = v
			continue
		}
		hashed, err := h.Hash(v)
		if err != nil {
			return nil, err
		}
		out[i] = hashed
	}
	return out, nil
}
