package server

import (
	"bytes"
	_ "embed"
	"net/http"

	"github.com/yuin/goldmark"
)

//go:embed docs.md
var docsMarkdown []byte

// handleDocs renders the embedded API reference to HTML. It lives on the
// unauthenticated surface alongside /health and /metrics.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := goldmark.Convert(docsMarkdown, &buf); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!doctype html><meta charset=\"utf-8\"><title>Ash API</title>"))
	w.Write(buf.Bytes())
}
