// Package identity derives the collection key that namespaces a user's
// documents on the remote host.
//
// The key locates the profile but grants nothing. Authorization happens
// afterwards, against the bcrypt hash stored in the profile. The secret enters
// the key only through argon2id with a server-side salt.
package identity

import (
	"encoding/base32"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Params controls the argon2id cost. Changing any field changes every key,
// so production values must stay fixed once users exist.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follows the OWASP minimum for argon2id.
var DefaultParams = Params{Time: 2, Memory: 19 * 1024, Threads: 1}

const digestLength = 16

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type Deriver struct {
	salt   []byte
	params Params
}

func NewDeriver(salt string, params Params) *Deriver {
	if params.Time == 0 {
		params.Time = DefaultParams.Time
	}
	if params.Memory == 0 {
		params.Memory = DefaultParams.Memory
	}
	if params.Threads == 0 {
		params.Threads = DefaultParams.Threads
	}
	return &Deriver{salt: []byte(salt), params: params}
}

// DeriveKey maps (displayName, secret) to "<normalized>_<digest>", where the
// digest is 26 lowercase base32 characters. The result is safe to use as a
// single path segment.
func (d *Deriver) DeriveKey(displayName, secret string) string {
	name := NormalizeName(displayName)
	salt := make([]byte, 0, len(d.salt)+len(name)+1)
	salt = append(salt, d.salt...)
	salt = append(salt, 0)
	salt = append(salt, name...)

	digest := argon2.IDKey([]byte(secret), salt, d.params.Time, d.params.Memory, d.params.Threads, digestLength)
	return name + "_" + strings.ToLower(keyEncoding.EncodeToString(digest))
}

// NormalizeName lowercases and keeps only ASCII letters and digits.
func NormalizeName(displayName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(displayName) {
		if r > unicode.MaxASCII {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// ValidKey reports whether key has the shape produced by DeriveKey. It guards
// path construction against keys smuggled in through tokens.
func ValidKey(key string) bool {
	idx := strings.LastIndexByte(key, '_')
	if idx <= 0 || len(key)-idx-1 != keyEncoding.EncodedLen(digestLength) {
		return false
	}
	for _, r := range key {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
