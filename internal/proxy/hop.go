package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders apply to a single connection and are never forwarded
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// connectionTokens returns the canonical header names listed in Connection
func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]bool)
			}
			tokens[http.CanonicalHeaderKey(tok)] = true
		}
	}
	return tokens
}

// copyHeaders adds every header of src to dst except hop-by-hop headers,
// headers named by src's Connection tokens, and the extra names in skip
func copyHeaders(dst, src http.Header, skip ...string) {
	tokens := connectionTokens(src)
	for key, values := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[ck] || tokens[ck] || skipped(ck, skip) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func skipped(key string, skip []string) bool {
	for _, s := range skip {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}
