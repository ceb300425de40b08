package instance

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestSigner(t *testing.T) {
	secret := base64.RawURLEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	s, ephemeral, err := NewSigner(secret, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if ephemeral {
		t.Fatal("configured secret reported as ephemeral")
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	tok := s.Sign("abc")
	if !s.Verify("abc", tok) {
		t.Fatal("fresh token rejected")
	}
	if s.Verify("abd", tok) {
		t.Fatal("token accepted for another instance")
	}
	tampered := []byte(tok)
	if tampered[20] == 'A' {
		tampered[20] = 'B'
	} else {
		tampered[20] = 'A'
	}
	if s.Verify("abc", string(tampered)) {
		t.Fatal("tampered token accepted")
	}

	now = now.Add(2 * time.Hour)
	if s.Verify("abc", tok) {
		t.Fatal("expired token accepted")
	}
}

func TestNewSigner_Secrets(t *testing.T) {
	if _, ephemeral, err := NewSigner("", 0); err != nil || !ephemeral {
		t.Fatalf("empty secret: ephemeral=%v err=%v", ephemeral, err)
	}
	if _, _, err := NewSigner("c2hvcnQ", 0); err == nil {
		t.Fatal("short secret accepted")
	}
	if _, _, err := NewSigner("not base64 !!", 0); err == nil {
		t.Fatal("non-base64 secret accepted")
	}
}
