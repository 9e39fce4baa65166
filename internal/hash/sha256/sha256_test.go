// Package sha256 includes tests for the SHA-256 digest helper.
package sha256

import "testing"

// TestHasherSumDeterministic ensures repeated hashing yields the same digest.
func TestHasherSumDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Sum([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.SumString("hello world"); again != got {
		t.Fatalf("expected SumString to match Sum, got %s vs %s", again, got)
	}
}

// TestHasherSumLength checks digests are always 64 hex characters.
func TestHasherSumLength(t *testing.T) {
	t.Parallel()

	h := New()
	for _, in := range []string{"", "a", "https://example.com/some/very/long/path?with=query"} {
		if got := h.SumString(in); len(got) != 64 {
			t.Fatalf("SumString(%q) length = %d, want 64", in, len(got))
		}
	}
}
