package auth

import (
	"context"
	"net/http"

	"github.com/pquerna/otp/totp"
)

// Verify is the whole 2FA capability: does the presented code match the
// user's stored secret right now.
func Verify(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// SecretSource looks up a user's 2FA secret; "" means 2FA is not enrolled.
type SecretSource interface {
	TwoFASecret(ctx context.Context, userID string) (string, error)
}

// Require2FA gates a route on a valid Twofa header for the authenticated
// user.
func Require2FA(secrets SecretSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-Id")
			code := r.Header.Get("Twofa")
			secret, err := secrets.TwoFASecret(r.Context(), userID)
			if err != nil || !Verify(secret, code) {
				http.Error(w, "2fa required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
