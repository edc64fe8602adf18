package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(rune(b)), 32)))
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid", testKey('a'), ""},
		{"empty", "", "empty"},
		{"not base64", "!!!", "base64"},
		{"short", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESSealer(tt.key)
			if tt.wantErr == "" {
				if err != nil || s == nil {
					t.Fatalf("NewAESSealer: %v", err)
				}
				if len(s.KeyID()) != 8 {
					t.Errorf("KeyID = %q", s.KeyID())
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewAESSealer(testKey('k'))
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"abc123", "oauth:xyz", strings.Repeat("t", 300), "ünïcode"} {
		sealed, err := s.Seal(plain)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if sealed == plain || strings.Contains(sealed, plain) {
			t.Errorf("sealed value leaks plaintext")
		}
		got, err := s.Open(sealed, s.KeyID())
		if err != nil || got != plain {
			t.Errorf("Open = %q, %v; want %q", got, err, plain)
		}
	}
	again1, _ := s.Seal("same")
	again2, _ := s.Seal("same")
	if again1 == again2 {
		t.Error("nonces must differ between seals")
	}
	if v, err := s.Seal(""); v != "" || err != nil {
		t.Errorf("Seal(\"\") = %q, %v", v, err)
	}
	if v, err := s.Open("", ""); v != "" || err != nil {
		t.Errorf("Open(\"\") = %q, %v", v, err)
	}
}

func TestOpenRejects(t *testing.T) {
	s, _ := NewAESSealer(testKey('k'))
	other, _ := NewAESSealer(testKey('o'))
	sealed, _ := s.Seal("secret")

	if _, err := s.Open(sealed, other.KeyID()); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("key mismatch err = %v", err)
	}
	if _, err := other.Open(sealed, ""); err == nil {
		t.Error("wrong key must fail authentication")
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw), ""); err == nil {
		t.Error("tampered ciphertext accepted")
	}
	if _, err := s.Open("not base64!", ""); err == nil {
		t.Error("invalid base64 accepted")
	}
	if _, err := s.Open(base64.StdEncoding.EncodeToString([]byte("tiny")), ""); err == nil {
		t.Error("short ciphertext accepted")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvKey, "")
	s, err := FromEnv()
	if s != nil || err != nil {
		t.Errorf("unset key: %v, %v", s, err)
	}
	t.Setenv(EnvKey, "bad")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for bad key")
	}
	t.Setenv(EnvKey, testKey('e'))
	if s, err := FromEnv(); s == nil || err != nil {
		t.Errorf("valid key: %v, %v", s, err)
	}
}
