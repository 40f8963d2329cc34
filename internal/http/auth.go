package httpapi

import (
	"context"
	"net/http"
	"strings"
)

const callerKey contextKey = "caller-uid"

// authMiddleware resolves the caller uid. With a verifier configured it
// requires a Firebase ID token, as a Bearer header or an access_token query
// parameter for websocket clients. Without one it trusts X-User-ID, which is
// only suitable for local runs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var uid string
		if s.Verifier != nil {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			tok, err := s.Verifier.VerifyIDToken(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			uid = tok.UID
		} else {
			uid = strings.TrimSpace(r.Header.Get("X-User-ID"))
			if uid == "" {
				uid = r.URL.Query().Get("user_id")
			}
		}
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "no session")
			return
		}
		if rl := requestLogFrom(r.Context()); rl != nil {
			rl.caller = uid
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, uid)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func callerUID(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}
