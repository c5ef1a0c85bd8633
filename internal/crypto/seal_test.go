package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("deploy-secret"), []byte("salt-1234"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 48
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := RandBytes(n)
	if bytes.Equal(a, b) {
		t.Fatalf("two RandBytes(%d) calls are equal", n)
	}
}

func TestNewSealer_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer(nil, []byte("salt-1234")); err == nil {
		t.Fatalf("empty passphrase must fail")
	}
	if _, err := NewSealer([]byte("pw"), []byte("short")); err == nil {
		t.Fatalf("short salt must fail")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	pt := []byte("mtproto auth key material")

	blob, err := s.Seal("u1/s1.session", pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.HasPrefix(blob, magic) {
		t.Fatalf("sealed blob must carry the magic prefix")
	}
	if bytes.Contains(blob, pt) {
		t.Fatalf("plaintext leaked into sealed blob")
	}

	got, err := s.Open("u1/s1.session", blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpen_WrongNameFails(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	blob, _ := s.Seal("u1/s1.session", []byte("x"))
	if _, err := s.Open("u2/s1.session", blob); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt for a blob moved to another name, got %v", err)
	}
}

func TestOpen_TamperAndTruncate(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	blob, _ := s.Seal("n", []byte("payload"))

	bad := append([]byte(nil), blob...)
	bad[len(bad)-1] ^= 0x01
	if _, err := s.Open("n", bad); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("tampered blob: want ErrCorrupt, got %v", err)
	}
	if _, err := s.Open("n", blob[:len(magic)+3]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("truncated blob: want ErrCorrupt, got %v", err)
	}
}

func TestOpen_PlaintextPassesThrough(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	got, err := s.Open("n", []byte("legacy"))
	if err != nil || string(got) != "legacy" {
		t.Fatalf("plaintext passthrough: got %q err=%v", got, err)
	}

	var nilSealer *Sealer
	blob, _ := nilSealer.Seal("n", []byte("raw"))
	if string(blob) != "raw" {
		t.Fatalf("nil sealer must not transform data")
	}
}
