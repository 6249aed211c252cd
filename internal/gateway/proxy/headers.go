package proxy

import "net/http"

// Wire headers the gateway owns.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderServiceAuth   = "X-Service-Auth"
	HeaderProxiedBy     = "X-Proxied-By"

	ProxiedByValue = "gateway"
)

// hopByHopHeaders per RFC 9110 section 7.6.1, never forwarded in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedRequestHeaders are removed from outbound requests on top of the
// hop-by-hop set. End-user Authorization never reaches a downstream;
// service-to-service auth is injected separately as X-Service-Auth.
var strippedRequestHeaders = append([]string{
	"Host",
	"Content-Length",
	"Authorization",
}, hopByHopHeaders...)

// outboundHeaders copies inbound headers minus the stripped set.
func outboundHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		out[key] = append([]string(nil), values...)
	}
	for _, key := range strippedRequestHeaders {
		out.Del(key)
	}
	return out
}

// responseHeaders copies downstream response headers minus hop-by-hop and
// length headers (the gateway re-frames the body).
func responseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		out[key] = append([]string(nil), values...)
	}
	for _, key := range hopByHopHeaders {
		out.Del(key)
	}
	out.Del("Content-Length")
	return out
}
