package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ComputeS256Challenge derives the S256 code challenge for verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidatePKCE checks verifier against challenge. An empty method means
// plain, per RFC 7636.
func ValidatePKCE(verifier, challenge, method string) bool {
	if !validPKCEString(verifier) || !validPKCEString(challenge) {
		return false
	}
	var expected string
	switch method {
	case PKCEMethodS256:
		expected = ComputeS256Challenge(verifier)
	case PKCEMethodPlain, "":
		expected = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// ValidateCodeChallenge checks a challenge and its method at issue time.
func ValidateCodeChallenge(challenge, method string) bool {
	switch method {
	case PKCEMethodS256, PKCEMethodPlain, "":
	default:
		return false
	}
	return validPKCEString(challenge)
}

// validPKCEString enforces 43-128 unreserved characters.
func validPKCEString(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '-' || r == '.' || r == '_' || r == '~':
			return false
		}
		return true
	}) == -1
}
