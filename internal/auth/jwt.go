package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are the claims carried by access tokens. The jti is the
// token row ID; the row is authoritative for revocation.
type accessClaims struct {
	TenantID string `json:"tid,omitempty"`
	ClientID string `json:"cid"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

type signer struct {
	secret []byte
	issuer string
}

func (s signer) sign(tok Token) (string, error) {
	sub := tok.UserID
	if sub == "" {
		sub = tok.ClientID
	}
	claims := accessClaims{
		TenantID: tok.TenantID,
		ClientID: tok.ClientID,
		Scope:    strings.Join(tok.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(tok.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(tok.AccessTokenExpiresAt),
			ID:        tok.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse verifies the signature and issuer and returns the token row ID.
// Expiry is checked against the stored row, not the claims.
func (s signer) parse(raw string) (string, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.ID == "" || claims.Issuer != s.issuer {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}

// resetAudience marks password reset tokens.
const resetAudience = "password_reset"

// resetClaims bind a reset token to the password it replaces, so the token
// stops working once any password change lands.
type resetClaims struct {
	Fingerprint string `json:"pwf"`
	jwt.RegisteredClaims
}

func passwordFingerprint(passwordHash string) string {
	return hashSecret(passwordHash)[:32]
}

func (s signer) signReset(userID, passwordHash string, now time.Time, ttl time.Duration) (string, error) {
	claims := resetClaims{
		Fingerprint: passwordFingerprint(passwordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{resetAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign reset token: %w", err)
	}
	return signed, nil
}

// parseReset returns the user and password fingerprint of a valid, unexpired
// reset token.
func (s signer) parseReset(raw string, now time.Time) (userID, fingerprint string, err error) {
	var claims resetClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(resetAudience),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.Fingerprint == "" {
		return "", "", ErrInvalidGrant
	}
	return claims.Subject, claims.Fingerprint, nil
}

// Refresh tokens are presented as "<token id>.<secret>"; only the sha256
// of the secret is stored.

func formatRefreshToken(id, secret string) string {
	return id + "." + secret
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(actual) != len(expectedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// HashClientSecret returns the stored form of a client secret.
func HashClientSecret(secret string) string {
	return hashSecret(secret)
}

func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

func expired(at, now time.Time) bool {
	return !now.Before(at)
}
