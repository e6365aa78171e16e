package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"FarmEscrow/internal/relay"

	jwt "github.com/golang-jwt/jwt/v5"
)

// RoleService marks tokens held by marketplace backends rather than people.
const RoleService = "service"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Config struct {
	Secret    string
	Issuer    string
	ClockSkew time.Duration
}

// Claims carries the caller identity in sub and an optional role.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: jwt secret not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: cfg.Issuer,
		skew:   skew,
		logger: logger.With("component", "auth"),
	}, nil
}

// Issue signs an HS256 token for subject.
func (a *Authenticator) Issue(subject string, service bool, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if service {
		claims.Role = RoleService
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns the actor it authenticates.
func (a *Authenticator) Verify(tokenString string) (relay.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return relay.Actor{}, errors.Join(ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return relay.Actor{}, errors.Join(ErrInvalidToken, errors.New("subject missing"))
	}
	return relay.Actor{ID: sub, Service: claims.Role == RoleService}, nil
}

type contextKey struct{}

func WithActor(ctx context.Context, actor relay.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func ActorFrom(ctx context.Context) (relay.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(relay.Actor)
	return actor, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated actor on the request context. The token may also come from
// the access_token query parameter for websocket clients.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				tokenString = r.URL.Query().Get("access_token")
			}
			if tokenString == "" {
				onError(w, r, ErrMissingToken)
				return
			}
			actor, err := a.Verify(tokenString)
			if err != nil {
				a.logger.Debug("token validation failed", "err", err)
				onError(w, r, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
