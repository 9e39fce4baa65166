package docid

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/hash/sha256"
)

func TestEncodeShortIDIsVerbatim(t *testing.T) {
	t.Parallel()

	enc := New(0)
	got := enc.Encode("s1", "http://a/")
	require.Equal(t, "s1."+base64.RawURLEncoding.EncodeToString([]byte("http://a/")), got)
	require.Equal(t, "s1.aHR0cDovL2Ev", got)
	require.NotContains(t, got, "=")
}

func TestEncodeDeterministic(t *testing.T) {
	t.Parallel()

	a := New(DefaultPrefixLength)
	b := New(DefaultPrefixLength)
	require.Equal(t, a.Encode("session", "https://example.com/x?y=1"), b.Encode("session", "https://example.com/x?y=1"))
	require.NotEqual(t, a.Encode("s1", "https://example.com/"), a.Encode("s2", "https://example.com/"))
}

func TestEncodeLongIDIsBounded(t *testing.T) {
	t.Parallel()

	enc := New(DefaultPrefixLength)
	url := "https://example.com/" + strings.Repeat("p", 1000)
	got := enc.Encode("s1", url)

	full := "s1." + base64.RawURLEncoding.EncodeToString([]byte(url))
	want := full[:DefaultPrefixLength] + sha256.New().SumString(full[DefaultPrefixLength:])
	require.Equal(t, want, got)
	require.Len(t, got, enc.MaxLength())
}

func TestEncodeLongIDsDifferInTail(t *testing.T) {
	t.Parallel()

	enc := New(20)
	base := "https://example.com/" + strings.Repeat("a", 100)
	first := enc.Encode("s", base+"1")
	second := enc.Encode("s", base+"2")
	require.Equal(t, first[:20], second[:20])
	require.NotEqual(t, first, second)
	require.Len(t, first, 20+64)
}

func TestEncodeBoundaryLength(t *testing.T) {
	t.Parallel()

	enc := New(10)
	// "s." plus 8 base64 characters is exactly ten characters.
	got := enc.Encode("s", "abcdef")
	require.Equal(t, "s.YWJjZGVm", got)
}
