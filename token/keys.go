// Package token signs and verifies the access and refresh JWTs used by the
// session service. Both token families are HMAC-SHA-512 signed with
// independent keys derived from configured secrets.
package token

import (
	"crypto/sha512"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// hmacKeySize is the block size of SHA-512. Shorter HMAC keys get stretched
// to this length, longer ones are used as-is.
const hmacKeySize = 64

// DeriveKey turns a configured secret string into HMAC key material.
//
// The secret is decoded as URL-safe base64 first, then standard base64, and
// finally taken as raw UTF-8 bytes if neither decoding succeeds. Keys shorter
// than 64 bytes are stretched with SHA-512; longer keys pass through
// unchanged. A blank secret yields a random per-process key: fine for local
// development, unusable across instances or restarts.
func DeriveKey(secret string) []byte {
	if strings.TrimSpace(secret) == "" {
		secret = randomSecret()
	}
	return stretch(decodeSecret(secret))
}

func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b
	}
	return []byte(secret)
}

func stretch(key []byte) []byte {
	if len(key) >= hmacKeySize {
		return key
	}
	sum := sha512.Sum512(key)
	return sum[:]
}

func randomSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
