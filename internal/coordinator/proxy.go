package coordinator

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/ash-run/ash/internal/db"
)

// NewProxy builds a reverse proxy forwarding one request to runner's
// advertised host:port, unchanged except for the internal secret header.
// FlushInterval: -1 so SSE frames aren't buffered, and a custom
// ErrorHandler instead of the default panic-on-write-after-hijack path.
func NewProxy(r *db.Runner, internalSecret string) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", r.Host, r.Port)}
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Set("X-Internal-Secret", internalSecret)
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("upstream", target.Host).Msg("coordinator: proxy to runner failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"runner unreachable","statusCode":502}`))
		},
	}
}
