package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Credentials are the raw secrets a request presented.
type Credentials struct {
	Token  string
	APIKey string
}

// Empty reports whether no credentials were presented.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.APIKey == ""
}

// CredentialsFromRequest extracts a bearer token (Authorization header or the
// token query parameter, for browser websockets) and an API key.
func CredentialsFromRequest(r *http.Request) Credentials {
	var creds Credentials
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			creds.Token = strings.TrimSpace(header[len("bearer "):])
		}
	}
	if creds.Token == "" {
		creds.Token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			creds.APIKey = value
			break
		}
	}
	return creds
}

// Middleware authenticates HTTP requests and stores the user in the request
// context. Invalid credentials are always rejected; missing credentials are
// rejected only when the service requires auth.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			creds := CredentialsFromRequest(r)
			if creds.Empty() {
				if service.Required() {
					writeUnauthorized(w, ErrMissingCredentials)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := service.Authenticate(creds)
			if err != nil {
				logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := "unauthorized"
	switch {
	case errors.Is(err, ErrMissingCredentials):
		message = "missing credentials"
	case errors.Is(err, ErrInvalidKey):
		message = "invalid api key"
	case errors.Is(err, ErrInvalidToken):
		message = "invalid token"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="commune"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
