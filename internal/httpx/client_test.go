package httpx

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, enc string, body []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	switch enc {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(body)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(body)
		require.NoError(t, w.Close())
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, _ = w.Write(body)
		require.NoError(t, w.Close())
	default:
		buf.Write(body)
	}
	return buf.Bytes()
}

func TestClient_DecodesBodies(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"ok":true}`)
	for _, enc := range []string{"", "gzip", "br", "zstd"} {
		t.Run("enc="+enc, func(t *testing.T) {
			t.Parallel()

			data := encode(t, enc, payload)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, AcceptEncoding, r.Header.Get("Accept-Encoding"))
				if enc != "" {
					w.Header().Set("Content-Encoding", enc)
				}
				_, _ = w.Write(data)
			}))
			defer srv.Close()

			c, err := NewClient(Options{})
			require.NoError(t, err)

			resp, err := c.Get(srv.URL)
			require.NoError(t, err)
			defer resp.Body.Close()

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}
}

func TestNewClient_ProxySchemes(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Options{Proxy: "http://127.0.0.1:8080"})
	require.NoError(t, err)

	_, err = NewClient(Options{Proxy: "socks5://127.0.0.1:1080"})
	require.NoError(t, err)

	_, err = NewClient(Options{Proxy: "ftp://127.0.0.1"})
	require.ErrorIs(t, err, ErrUnsupportedProxy)

	up, err := NewUpgradeClient("socks5h://127.0.0.1:1080")
	require.NoError(t, err)
	assert.Zero(t, up.Timeout)
	assert.Nil(t, up.Jar)

	_, err = NewUpgradeClient("gopher://127.0.0.1")
	require.ErrorIs(t, err, ErrUnsupportedProxy)
}

func TestClient_KeepsCookies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "xs", Value: "secret", Path: "/"})
			return
		}
		c, err := r.Cookie("xs")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(c.Value))
	}))
	defer srv.Close()

	c, err := NewClient(Options{})
	require.NoError(t, err)

	resp, err := c.Get(srv.URL + "/set")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = c.Get(srv.URL + "/get")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secret", string(b))
}
