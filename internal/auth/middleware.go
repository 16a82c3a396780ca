package auth

import "net/http"

// HeaderName is the header an upstream gateway sets once it has verified the
// caller's credentials. The gateway is out of scope here; this middleware
// only trusts it.
const HeaderName = "X-User-Id"

// RequireIdentity wraps a handler so every request carries a verified user
// id in context. Requests missing the header are rejected with 401 before
// they reach the audio pipeline.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderName)
		if userID == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="audiobookd"`)
			http.Error(w, `{"error":"missing identity","code":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{UserID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
