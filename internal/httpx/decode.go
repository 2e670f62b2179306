package httpx

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is the value advertised on every outgoing request.
const AcceptEncoding = "gzip, deflate, br, zstd"

type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	if body != resp.Body {
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

func decodeBody(encoding string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return rc, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: zr, close: func() error { _ = zr.Close(); return rc.Close() }}, nil
	case "deflate":
		fr := flate.NewReader(rc)
		return &readCloser{Reader: fr, close: func() error { _ = fr.Close(); return rc.Close() }}, nil
	case "br":
		return &readCloser{Reader: brotli.NewReader(rc), close: rc.Close}, nil
	case "zstd":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: zr, close: func() error { zr.Close(); return rc.Close() }}, nil
	default:
		return rc, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

// ReadLimited reads at most limit bytes from r.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
