package transport

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zeusync/scenesync/internal/core/property"
)

const (
	tokenMACSize = 32
	tokenSize    = 8 + tokenMACSize
)

// TokenIssuer mints short-lived tokens bound to a user. A token is the expiry time
// followed by a keyed BLAKE3 MAC over user and expiry, base64url encoded.
type TokenIssuer struct {
	key [32]byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer derives the MAC key from secret. An empty secret picks a random
// key, so tokens do not survive a restart.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	issuer := &TokenIssuer{ttl: ttl, now: time.Now}
	if len(secret) == 0 {
		if _, err := rand.Read(issuer.key[:]); err != nil {
			return nil, fmt.Errorf("token key: %w", err)
		}
		return issuer, nil
	}
	issuer.key = blake3.Sum256(secret)
	return issuer, nil
}

func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue returns a fresh token for user and its expiry.
func (t *TokenIssuer) Issue(user property.UserID) (string, time.Time, error) {
	expires := t.now().Add(t.ttl).Truncate(time.Millisecond)
	mac, err := t.mac(user, expires)
	if err != nil {
		return "", time.Time{}, err
	}

	raw := make([]byte, 0, tokenSize)
	raw = binary.BigEndian.AppendUint64(raw, uint64(expires.UnixMilli()))
	raw = append(raw, mac...)
	return base64.RawURLEncoding.EncodeToString(raw), expires, nil
}

// Verify checks that token was issued for user and has not expired.
func (t *TokenIssuer) Verify(user property.UserID, token string) (time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return time.Time{}, ErrInvalidToken
	}

	expires := time.UnixMilli(int64(binary.BigEndian.Uint64(raw[:8])))
	want, err := t.mac(user, expires)
	if err != nil {
		return time.Time{}, err
	}
	if subtle.ConstantTimeCompare(want, raw[8:]) != 1 {
		return time.Time{}, ErrInvalidToken
	}
	if !t.now().Before(expires) {
		return expires, ErrTokenExpired
	}
	return expires, nil
}

func (t *TokenIssuer) mac(user property.UserID, expires time.Time) ([]byte, error) {
	hasher, err := blake3.NewKeyed(t.key[:])
	if err != nil {
		return nil, fmt.Errorf("token mac: %w", err)
	}
	_, _ = hasher.WriteString(string(user))
	_, _ = hasher.Write([]byte{'|'})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expires.UnixMilli()))
	_, _ = hasher.Write(ts[:])
	return hasher.Sum(nil), nil
}
