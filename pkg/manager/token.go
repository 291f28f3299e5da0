package manager

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/errors"
)

// DefaultTokenLifetime is how long a minted worker token stays valid.
const DefaultTokenLifetime = 24 * time.Hour

// WorkerToken is the parsed identity carried by a signed worker token.
type WorkerToken struct {
	WorkerID  string
	Hostname  string
	ExpiresAt time.Time
}

// TokenSigner mints and verifies the HMAC-signed bearer tokens workers
// present on every protocol call after registration.
type TokenSigner struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokenSigner creates a signer over the shared secret.
func NewTokenSigner(secret string, lifetime time.Duration) *TokenSigner {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &TokenSigner{
		secret:   []byte(secret),
		lifetime: lifetime,
	}
}

// Sign mints a token binding workerID and hostname until the signer's
// lifetime elapses. The payload travels in the clear; only the signature
// depends on the secret.
func (ts *TokenSigner) Sign(workerID, hostname string, now time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d", workerID, hostname, now.Add(ts.lifetime).Unix())
	sig := ts.mac(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks signature and expiry and returns the token identity.
func (ts *TokenSigner) Verify(token string, now time.Time) (*WorkerToken, error) {
	payloadPart, sigPart, found := strings.Cut(token, ".")
	if !found {
		return nil, errors.Unauthorized.New("malformed worker token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, errors.Unauthorized.Wrap(err, "decode worker token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, errors.Unauthorized.Wrap(err, "decode worker token signature")
	}

	if !hmac.Equal(sig, ts.mac(string(payload))) {
		return nil, errors.Unauthorized.New("worker token signature mismatch")
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 3 {
		return nil, errors.Unauthorized.New("malformed worker token payload")
	}
	expires, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, errors.Unauthorized.Wrap(err, "parse worker token expiry")
	}

	parsed := &WorkerToken{
		WorkerID:  fields[0],
		Hostname:  fields[1],
		ExpiresAt: time.Unix(expires, 0),
	}
	if now.After(parsed.ExpiresAt) {
		return nil, errors.Unauthorized.New("worker token expired")
	}
	return parsed, nil
}

func (ts *TokenSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, ts.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
