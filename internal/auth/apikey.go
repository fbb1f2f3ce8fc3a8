// Package auth provides the caller checks used by the admission pipeline:
// API key validation and IP allow/deny matching.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// maskedKeyPrefix is how many characters of a rejected key are logged.
const maskedKeyPrefix = 8

// APIKey is a labelled static secret.
type APIKey struct {
	Name string
	Key  string
}

// APIKeyValidator checks presented keys against a static set. When disabled
// every key is accepted.
type APIKeyValidator struct {
	enabled bool
	digests [][sha256.Size]byte
	log     *zap.Logger
}

// NewAPIKeyValidator builds a validator over keys. Keys are kept only as
// SHA-256 digests so comparison time does not depend on key length.
func NewAPIKeyValidator(enabled bool, keys []APIKey, logger *zap.Logger) *APIKeyValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &APIKeyValidator{
		enabled: enabled,
		digests: make([][sha256.Size]byte, 0, len(keys)),
		log:     logger,
	}
	for _, k := range keys {
		v.digests = append(v.digests, sha256.Sum256([]byte(k.Key)))
	}
	return v
}

// Enabled reports whether keys are enforced.
func (v *APIKeyValidator) Enabled() bool {
	return v.enabled
}

// Validate reports whether key exactly matches a configured secret. Every
// configured digest is compared so the result does not leak which key
// matched.
func (v *APIKeyValidator) Validate(key string) bool {
	if !v.enabled {
		return true
	}
	sum := sha256.Sum256([]byte(key))
	match := 0
	for i := range v.digests {
		match |= subtle.ConstantTimeCompare(sum[:], v.digests[i][:])
	}
	if match != 1 {
		v.log.Warn("invalid API key attempt", zap.String("api_key", maskKey(key)))
		return false
	}
	return true
}

// ExtractFromHeader returns the token carried by the first Authorization
// header value. A case-sensitive "Bearer " prefix is stripped; any other
// value is returned as-is.
func ExtractFromHeader(h http.Header) (string, bool) {
	values := h.Values("Authorization")
	if len(values) == 0 {
		return "", false
	}
	return strings.TrimPrefix(values[0], bearerPrefix), true
}

// GenerateAPIKey returns a cryptographically random, URL-safe API key string.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func maskKey(key string) string {
	if len(key) > maskedKeyPrefix {
		key = key[:maskedKeyPrefix]
	}
	return key + "..."
}
