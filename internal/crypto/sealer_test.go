package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const (
	zeroKeyB64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	oneKeyB64  = "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, zeroKeyB64)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal("42:OPENAI_API_KEY", "sk-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "sk-secret") {
		t.Fatalf("sealed value leaks plaintext: %q", sealed)
	}
	if !strings.HasPrefix(sealed, "v1.k1.") {
		t.Fatalf("unexpected prefix: %q", sealed)
	}

	out, err := s.Open("42:OPENAI_API_KEY", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestOpenRejectsForeignBinding(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, zeroKeyB64)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("42:OPENAI_API_KEY", "sk-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open("43:OPENAI_API_KEY", sealed); err == nil {
		t.Fatalf("expected error when opening with another owner's binding")
	}
}

func TestOpenMalformed(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, zeroKeyB64)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	for _, raw := range []string{"", "plain", "v2.k1.AA.AA", "v1..AA.AA", "v1.k1.!!.AA"} {
		if _, err := s.Open("b", raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("open %q: expected ErrMalformed, got %v", raw, err)
		}
	}
	if _, err := s.Open("b", "v1.gone.AAAAAAAAAAAAAAAA.AAAA"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestResealMovesToCurrentKey(t *testing.T) {
	oldKey := mustKey(t, zeroKeyB64)
	newKey := mustKey(t, oneKeyB64)

	before, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := before.Seal("7:GOOGLE_API_KEY", "legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	after, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}

	resealed, changed, err := after.Reseal("7:GOOGLE_API_KEY", legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if !changed || !strings.HasPrefix(resealed, "v1.new.") {
		t.Fatalf("expected value resealed under new key, got %q (changed=%v)", resealed, changed)
	}
	plain, err := after.Open("7:GOOGLE_API_KEY", resealed)
	if err != nil || plain != "legacy" {
		t.Fatalf("open resealed: %q %v", plain, err)
	}

	again, changed, err := after.Reseal("7:GOOGLE_API_KEY", resealed)
	if err != nil {
		t.Fatalf("second reseal: %v", err)
	}
	if changed || again != resealed {
		t.Fatalf("expected no-op reseal for current key")
	}
}

func TestNewSealerValidation(t *testing.T) {
	key := mustKey(t, zeroKeyB64)
	if _, err := NewSealer("", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for empty current key id")
	}
	if _, err := NewSealer("x", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewSealer("k", map[string][]byte{"k": key[:16]}); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewSealer("a.b", map[string][]byte{"a.b": key}); err == nil {
		t.Fatalf("expected error for dotted key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
