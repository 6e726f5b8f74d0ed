package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	logger "github.com/sirupsen/logrus"
)

type contextKey string

const OperatorKey contextKey = "operator"

// OperatorHeader names the operator in the audit log; it is not a credential.
const OperatorHeader = "X-Operator"

func GetOperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(OperatorKey).(string)
	return operator, ok
}

// RequireToken rejects requests whose bearer token does not match token and
// stores the operator name in the request context. An empty token disables
// the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					logger.WithFields(logger.Fields{
						"path":   r.URL.Path,
						"remote": r.RemoteAddr,
					}).Warn("operator request rejected")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
			if operator == "" {
				operator = "operator"
			}
			ctx := context.WithValue(r.Context(), OperatorKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
