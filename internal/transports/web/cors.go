package web

import (
	"net/http"
	"strings"
)

// corsPolicy пропускает только перечисленные origin; запросы без Origin не трогает.
type corsPolicy struct {
	origins      map[string]struct{}
	methods      []string
	allowMethods string
	allowHeaders string
}

func newCORSPolicy(origins, methods, headers []string) corsPolicy {
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(headers) == 0 {
		headers = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	p := corsPolicy{
		origins:      make(map[string]struct{}, len(origins)),
		methods:      methods,
		allowMethods: strings.Join(methods, ", "),
		allowHeaders: strings.Join(headers, ", "),
	}
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			p.origins[trimmed] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) allowsMethod(method string) bool {
	for _, m := range p.methods {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

func (p corsPolicy) middleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := p.origins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			h := w.Header()
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", p.allowMethods)
			h.Set("Access-Control-Allow-Headers", p.allowHeaders)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if m := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")); m != "" && !p.allowsMethod(m) {
				writeError(w, r, http.StatusForbidden, "cors_method_denied")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
