package proxy

import (
	"net/http"
	"net/url"
	"slices"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, Accept, X-Request-ID, X-Api-Key"
)

// CORS adds CORS headers for allowed origins and answers preflight requests.
//
// A listed origin is echoed back, with Access-Control-Allow-Credentials only
// when credentials is set. "*" is answered with a literal "*" and never with
// credentials. State-changing requests from a foreign origin that is not
// listed are refused with 403, so a page on another site cannot write through
// the API even when no password gate is configured.
func CORS(allowed []string, credentials bool) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			listed := origin != "" && slices.Contains(allowed, origin)

			h := w.Header()
			switch {
			case listed:
				h.Set("Access-Control-Allow-Origin", origin)
				if credentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
				h.Add("Vary", "Origin")
			case origin != "" && wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if listed || wildcard {
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", "3600")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if origin != "" && !listed && !wildcard && !safeMethod(r.Method) && !SameHost(r, origin) {
				http.Error(w, `{"error":"cross-origin request refused"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SameHost reports whether origin names the host the request was sent to.
func SameHost(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == r.Host
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}
