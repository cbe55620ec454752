// Package login drives a connecting session from greeting to the world:
// the interactive prompt flow, the structured AUTH_REQ flow, credential
// storage and session tokens.
package login

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. Changing them invalidates no stored hash; the stored
// salt and hash length pin each record to the parameters it was written
// with, and all records so far share these.
const (
	scryptN       = 32768
	scryptR       = 8
	scryptP       = 1
	scryptSaltLen = 16
	scryptKeyLen  = 64
)

const minPasswordLen = 6

var nameRe = regexp.MustCompile(`^[A-Za-z]{3,16}$`)

// ValidName reports whether a character name is acceptable: letters only,
// three to sixteen of them.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// CanonicalName title-cases a name: "tEstHero" becomes "Testhero".
func CanonicalName(name string) string {
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// HashPassword derives a fresh salt and scrypt key for storage.
func HashPassword(password string) (hash, salt []byte, err error) {
	salt = make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	hash, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return hash, salt, nil
}

// VerifyPassword checks a candidate against a stored hash in constant
// time.
func VerifyPassword(password string, hash, salt []byte) bool {
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
