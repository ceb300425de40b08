// internal/instance/token.go
//
// Stateless instance tokens.
//
// Context
//   Creating an instance returns its ID and a token.  Every later request on
//   that instance must present the token, so knowing (or guessing) an ID is
//   not enough to edit or submit someone else's form.  The token is:
//
//      base64url( unixMicro | HMAC_SHA256(secret, id | unixMicro) )
//
//   •  unixMicro – issue time, 8 bytes, big-endian.
//   •  HMAC – binds the token to one instance ID.
//
//   Verification checks the signature and that the token is younger than
//   maxAge.  Nothing is stored server-side.
//
//------------------------------------------------------------------------------

package instance

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const tokenBytes = 8 + sha256.Size // ts + sig

// MinSecretBytes is the shortest accepted signing secret.
const MinSecretBytes = 32

// Signer issues and verifies instance tokens.  Safe for concurrent use.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer for secret, a base64url (raw or padded)
// string of at least MinSecretBytes.  An empty secret generates a random
// key; tokens then do not survive a restart, and ephemeral is true.
func NewSigner(secret string, maxAge time.Duration) (s *Signer, ephemeral bool, err error) {
	var key []byte
	if secret == "" {
		key = make([]byte, MinSecretBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("instance token key: %w", err)
		}
		ephemeral = true
	} else {
		key, err = base64.RawURLEncoding.DecodeString(secret)
		if err != nil {
			key, err = base64.URLEncoding.DecodeString(secret)
		}
		if err != nil {
			return nil, false, fmt.Errorf("instance token key: not base64url: %w", err)
		}
		if len(key) < MinSecretBytes {
			return nil, false, errors.New("instance token key: need at least 32 bytes")
		}
	}
	if maxAge <= 0 {
		maxAge = IdleTTL
	}
	return &Signer{secret: key, maxAge: maxAge, now: time.Now}, ephemeral, nil
}

// Sign returns a token for id.
func (s *Signer) Sign(id string) string {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(s.now().UnixMicro()))

	buf := make([]byte, 0, tokenBytes)
	buf = append(buf, ts...)
	buf = append(buf, s.mac(id, ts)...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Verify reports whether tok was issued for id and is still fresh.
func (s *Signer) Verify(id, tok string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) != tokenBytes {
		return false
	}
	ts, sig := raw[:8], raw[8:]

	issued := time.UnixMicro(int64(binary.BigEndian.Uint64(ts)))
	now := s.now()
	if now.Sub(issued) > s.maxAge || issued.Sub(now) > time.Minute {
		return false
	}
	return hmac.Equal(sig, s.mac(id, ts))
}

func (s *Signer) mac(id string, ts []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(id))
	m.Write(ts)
	return m.Sum(nil)
}
