package middleware

import (
	"context"
	"net/http"
	"strings"

	"voice-sync/pkg/response"
)

type contextKey string

const DeviceIDKey contextKey = "deviceID"

// DeviceIDHeader carries the caller's device id on every peer request.
const DeviceIDHeader = "X-Device-ID"

// SessionValidator checks a session token and returns the device id it was
// issued to.
type SessionValidator interface {
	ValidateSession(token string) (string, error)
}

// SessionMiddleware authenticates the bearer session token issued at
// handshake. When required is false, requests without a token pass through
// unauthenticated but a present token must still be valid.
func SessionMiddleware(sessions SessionValidator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					response.Unauthorized(w, "Missing session token, handshake first")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			deviceID, err := sessions.ValidateSession(parts[1])
			if err != nil {
				response.Unauthorized(w, "Invalid or expired session token")
				return
			}

			if claimed := r.Header.Get(DeviceIDHeader); claimed != "" && claimed != deviceID {
				response.Forbidden(w, "Session token was issued to another device")
				return
			}

			ctx := context.WithValue(r.Context(), DeviceIDKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetDeviceID(r *http.Request) string {
	deviceID, ok := r.Context().Value(DeviceIDKey).(string)
	if !ok {
		return ""
	}
	return deviceID
}
