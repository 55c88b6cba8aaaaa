package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestGzipRequest(t *testing.T) {
	const payload = `{"amount":20000,"receipt":"AgACAgIAAxk"}`

	tests := []struct {
		name     string
		compress bool
	}{
		{name: "plain body passes through"},
		{name: "compressed body is decoded", compress: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(payload)
			if tt.compress {
				body = gzipBytes(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/user/topup", body)
			if tt.compress {
				req.Header.Set("Content-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipRequest(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Header().Get("Content-Encoding"))
			assert.Equal(t, payload, w.Body.String())
		})
	}
}

func TestGzipRequest_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/user/topup", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
