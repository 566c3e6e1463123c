package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"reportline/internal/logging"
)

// AuthConfig controls bearer authentication. With no JWTSecret every request
// runs as AnonymousActor, which only makes sense on a loopback listener.
type AuthConfig struct {
	JWTSecret      string
	AnonymousActor string
	Logger         logging.Logger
}

// Caller is who a request acts for. Actor ids end up on every event row.
type Caller struct {
	ActorID string
	Via     string // "jwt" or "anonymous"
}

type callerKey struct{}

func callerActor(ctx context.Context) (string, huma.StatusError) {
	c, _ := ctx.Value(callerKey{}).(Caller)
	if c.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return c.ActorID, nil
}

type authenticator struct {
	secret    []byte
	anonymous Caller
	open      []string
	basePath  string
	logger    logging.Logger
	parser    *jwt.Parser
}

func newAuthenticator(basePath string, cfg AuthConfig) authenticator {
	a := authenticator{
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		basePath: basePath,
		logger:   logging.OrDiscard(cfg.Logger),
		// served without a token
		open: []string{
			path.Join(basePath, "health"),
			path.Join(basePath, "openapi"),
			path.Join(basePath, "schemas") + "/",
		},
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
	if len(a.secret) == 0 {
		actor := strings.TrimSpace(cfg.AnonymousActor)
		if actor == "" {
			actor = "local"
		}
		a.anonymous = Caller{ActorID: actor, Via: "anonymous"}
		a.logger.Warn("api authentication disabled; set server.jwt_secret to require bearer tokens", "actor_id", actor)
	}
	return a
}

func (a authenticator) isOpen(p string) bool {
	for _, prefix := range a.open {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// verify returns the caller named by the token's subject.
func (a authenticator) verify(raw string) (Caller, error) {
	var claims jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return a.secret, nil }); err != nil {
		return Caller{}, err
	}
	if claims.Subject == "" {
		return Caller{}, fmt.Errorf("token has no subject")
	}
	return Caller{ActorID: claims.Subject, Via: "jwt"}, nil
}

func (a authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p := req.URL.Path
		if !strings.HasPrefix(p, a.basePath) || a.isOpen(p) {
			next.ServeHTTP(w, req)
			return
		}
		if a.anonymous.ActorID != "" {
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), callerKey{}, a.anonymous)))
			return
		}

		scheme, token, found := strings.Cut(strings.TrimSpace(req.Header.Get("Authorization")), " ")
		switch {
		case scheme == "":
			writeAPIError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		case !found || !strings.EqualFold(scheme, "bearer"):
			writeAPIError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "bearer token required", nil))
			return
		}
		caller, err := a.verify(strings.TrimSpace(token))
		if err != nil {
			a.logger.Debug("rejected bearer token", "path", p, "err", err)
			writeAPIError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), callerKey{}, caller)))
	})
}

// writeAPIError is for failures raised before huma sees the request.
func writeAPIError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
