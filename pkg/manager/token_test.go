package manager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/errors"
)

func TestTokenSignVerify(t *testing.T) {
	signer := NewTokenSigner("test-secret", 0)
	now := time.Now()

	token := signer.Sign("worker-1", "host-a", now)
	require.NotEmpty(t, token)

	claims, err := signer.Verify(token, now)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", claims.WorkerID)
	assert.Equal(t, "host-a", claims.Hostname)
	assert.WithinDuration(t, now.Add(DefaultTokenLifetime), claims.ExpiresAt, time.Second)
}

func TestTokenExpired(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)
	now := time.Now()

	token := signer.Sign("worker-1", "host-a", now)

	_, err := signer.Verify(token, now.Add(2*time.Hour))
	require.Error(t, err)
	assert.Equal(t, errors.Unauthorized, errors.KindOf(err))
}

func TestTokenTampered(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)
	now := time.Now()

	token := signer.Sign("worker-1", "host-a", now)

	// Flip a byte in the signature half.
	dot := strings.IndexByte(token, '.')
	require.Greater(t, dot, 0)
	sig := []byte(token[dot+1:])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := token[:dot+1] + string(sig)

	_, err := signer.Verify(tampered, now)
	require.Error(t, err)
	assert.Equal(t, errors.Unauthorized, errors.KindOf(err))
}

func TestTokenWrongSecret(t *testing.T) {
	now := time.Now()
	token := NewTokenSigner("secret-a", time.Hour).Sign("worker-1", "host-a", now)

	_, err := NewTokenSigner("secret-b", time.Hour).Verify(token, now)
	require.Error(t, err)
	assert.Equal(t, errors.Unauthorized, errors.KindOf(err))
}

func TestTokenMalformed(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)
	now := time.Now()

	for _, token := range []string{
		"",
		"no-dot",
		"a.b.c.d",
		"!!!.???",
		"aGVsbG8.aGVsbG8",
	} {
		_, err := signer.Verify(token, now)
		require.Error(t, err, "token %q", token)
		assert.Equal(t, errors.Unauthorized, errors.KindOf(err))
	}
}
