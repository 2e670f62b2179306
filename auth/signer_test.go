package auth

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsAndSkipsSig(t *testing.T) {
	t.Parallel()

	v := url.Values{}
	v.Set("b", "2")
	v.Set("a", "1")
	v.Set("sig", "ignored")
	assert.Equal(t, "a=1b=2", Canonical(v))
}

func TestSigners(t *testing.T) {
	t.Parallel()

	v := url.Values{}
	v.Set("email", "user@example.com")
	v.Set("format", "json")

	h, err := NewSigner("", []byte("k"))
	require.NoError(t, err)
	m, err := NewSigner(SignMD5Suffix, []byte("k"))
	require.NoError(t, err)

	hs := h.Sign(v)
	ms := m.Sign(v)
	assert.Len(t, hs, 64)
	assert.Len(t, ms, 32)
	assert.NotEqual(t, hs, HMACSigner{Key: []byte("other")}.Sign(v))

	v.Set("sig", hs)
	assert.True(t, Verify(h, v))
	assert.False(t, Verify(m, v))

	v.Set("format", "xml")
	assert.False(t, Verify(h, v))
}

func TestNewSigner_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewSigner("", nil)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewSigner("sha1", []byte("k"))
	require.ErrorIs(t, err, ErrConfig)
}
