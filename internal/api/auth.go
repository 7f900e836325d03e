package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/chanmgr/internal/model"
)

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	// Secret is the HS256 key tokens are signed with.
	Secret string
	// InternalSubject is the token subject of the workflow service, the
	// only caller allowed on the private API.
	InternalSubject string
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticate rejects requests without a valid bearer token.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
		if !ok {
			s.respondError(w, r, model.Unauthenticated("bearer token required"))
			return
		}
		principal, err := authenticateJWT(token, s.auth.Secret)
		if err != nil {
			s.logger.Debug("rejected token", "path", r.URL.Path, "error", err)
			s.respondError(w, r, model.Unauthenticated("invalid credentials"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// requireInternal admits only the workflow service.
func (s *server) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFromContext(r.Context())
		if p.Subject != s.auth.InternalSubject {
			s.respondError(w, r, model.PermissionDenied("subject %q may not call the private API", p.Subject))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeChannel checks that the caller owns channelID.
func (s *server) authorizeChannel(ctx context.Context, channelID string) error {
	ch, err := s.channels.Channel(ctx, channelID)
	if err != nil {
		return err
	}
	p, _ := principalFromContext(ctx)
	if p.Subject != ch.UserID {
		return model.PermissionDenied("subject %q does not own channel %s", p.Subject, channelID)
	}
	return nil
}
