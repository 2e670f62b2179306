package auth

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- legacy signature format, not used for secrecy.
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Signer computes the "sig" field of a login form. It is a request-shape requirement of the
// login endpoint, not a security boundary.
type Signer interface {
	Sign(fields url.Values) string
}

// Signing modes accepted by NewSigner.
const (
	SignHMACSHA256 = "hmac-sha256"
	SignMD5Suffix  = "md5-suffix"
)

// NewSigner returns the signer for mode using key.
func NewSigner(mode string, key []byte) (Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty signing key", ErrConfig)
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", SignHMACSHA256:
		return HMACSigner{Key: key}, nil
	case SignMD5Suffix:
		return MD5SuffixSigner{Secret: string(key)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown signing mode %q", ErrConfig, mode)
	}
}

// Canonical concatenates k=v pairs in key order without separators. "sig" is skipped.
func Canonical(fields url.Values) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields.Get(k))
	}
	return b.String()
}

// HMACSigner signs with HMAC-SHA256 over the canonical form.
type HMACSigner struct {
	Key []byte
}

func (s HMACSigner) Sign(fields url.Values) string {
	return hashHMACSHA256Hex(Canonical(fields), s.Key)
}

// MD5SuffixSigner signs with md5(canonical + secret).
type MD5SuffixSigner struct {
	Secret string
}

func (s MD5SuffixSigner) Sign(fields url.Values) string {
	sum := md5.Sum([]byte(Canonical(fields) + s.Secret)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

func hashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify reports whether fields carry a valid sig for s.
func Verify(s Signer, fields url.Values) bool {
	got := fields.Get("sig")
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(s.Sign(fields)))
}
