package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

type gzipReader struct {
	io.ReadCloser
	gz *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReader) Close() error {
	if err := r.gz.Close(); err != nil {
		return err
	}
	return r.ReadCloser.Close()
}

// GzipRequest распаковывает тела запросов с Content-Encoding: gzip.
// Сжатие ответов выполняет middleware.Compress из chi.
func GzipRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			r.Body = &gzipReader{ReadCloser: r.Body, gz: gz}
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}
