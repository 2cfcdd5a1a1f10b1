package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/server/auth"
)

type ctxKey int

const claimsKey ctxKey = iota

// claimsFrom returns the verified token claims stored by authMiddleware.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// authMiddleware verifies the bearer token and stores its claims in the
// request context. The events endpoint also accepts the token as a query
// parameter because browser WebSocket clients cannot set headers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			s.writeError(w, r, common.ErrInvalidToken)
			return
		}

		claims, err := auth.ParseToken(token, s.secretKey)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
