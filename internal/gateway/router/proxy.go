package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/atlanticdynamic/storegate/internal/gateway/middleware"
	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
)

// maxIngressBody bounds buffered client request bodies.
const maxIngressBody = 10 << 20

// proxyHandler is the /api/v1 catchall: resolve the longest-prefix route
// and relay through the resilient proxy target.
func proxyHandler(targets *Targets) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := targets.Match(r.URL.Path)
		if !ok {
			middleware.WriteError(w, r, http.StatusNotFound, "route_not_found",
				"no downstream service owns this path")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngressBody))
		if err != nil {
			middleware.WriteError(w, r, http.StatusRequestEntityTooLarge, "body_too_large",
				"request body exceeds the proxy limit")
			return
		}

		resp, err := target.Do(r.Context(), proxy.Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Header:        r.Header,
			Body:          body,
			CorrelationID: middleware.CorrelationID(r.Context()),
		})
		if err != nil {
			writeProxyError(w, r, err)
			return
		}

		h := w.Header()
		for key, values := range resp.Header {
			// The correlation middleware already set these; a downstream
			// echoing them must not produce duplicates. Map keys arrive in
			// canonical MIME form, so compare against the canonical names.
			if key == http.CanonicalHeaderKey(proxy.HeaderCorrelationID) ||
				key == http.CanonicalHeaderKey(proxy.HeaderProxiedBy) {
				continue
			}
			for _, v := range values {
				h.Add(key, v)
			}
		}
		h.Set(proxy.HeaderProxiedBy, proxy.ProxiedByValue)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

// writeProxyError maps a failed downstream call onto the client.
func writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := proxy.MapError(err)
	if retryAfter := proxy.RetryAfterSeconds(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	middleware.WriteError(w, r, status, code, "downstream request failed")
}

// writeJSON emits a 200-family JSON body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
