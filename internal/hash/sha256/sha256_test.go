package sha256

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKnownDigests(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
	h := New()
	for input, want := range cases {
		got, err := h.Hash([]byte(input))
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestDigestReaderAgreesWithHash(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("page "), 10_000)
	d := NewDigestReader(bytes.NewReader(body))
	n, err := io.Copy(io.Discard, d)
	require.NoError(t, err)

	want, err := New().Hash(body)
	require.NoError(t, err)
	require.Equal(t, want, d.Sum())
	require.Equal(t, n, d.BytesRead())
	require.EqualValues(t, len(body), d.BytesRead())
}
