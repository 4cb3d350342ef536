package sessions

import (
	"testing"

	"github.com/DMShort/DadLink/internal/cipher"
)

func testSession(t *testing.T) *cipher.Session {
	t.Helper()
	key := make([]byte, cipher.MasterKeySize)
	salt := make([]byte, cipher.SaltSize)
	s, err := cipher.New(key, salt, 1)
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	return s
}

func TestSetGetRemove(t *testing.T) {
	r := New()
	s := testSession(t)

	if _, ok := r.Get(1); ok {
		t.Fatal("expected no session before Set")
	}

	r.Set(1, s)
	got, ok := r.Get(1)
	if !ok || got != s {
		t.Fatal("expected Get to return the installed session")
	}
	if !r.Contains(1) {
		t.Fatal("expected Contains to report true")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	r.Remove(1)
	if r.Contains(1) {
		t.Fatal("expected session removed")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0 after remove", r.Count())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	r.Remove(99)
	r.Remove(99)
}

func TestSetReplacesExisting(t *testing.T) {
	r := New()
	a := testSession(t)
	b := testSession(t)

	r.Set(5, a)
	r.Set(5, b)

	got, ok := r.Get(5)
	if !ok || got != b {
		t.Fatal("expected second Set to replace the first session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after replace", r.Count())
	}
}
