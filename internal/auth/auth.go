// Package auth supplies bearer tokens for the remote API. The host shell owns
// sign-in; this package only reads the token it publishes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired blocks sync until the host shell provides a usable token.
var ErrAuthRequired = errors.New("authentication required")

// expiryLeeway treats tokens about to expire as expired.
const expiryLeeway = 30 * time.Second

// Authenticator resolves the bearer token used for remote calls.
type Authenticator interface {
	// WaitForAuth blocks until a token is available or ctx is done.
	WaitForAuth(ctx context.Context) error
	// Token returns the current token, or ErrAuthRequired.
	Token(ctx context.Context) (string, error)
	// Refresh discards the cached token and loads a fresh one.
	Refresh(ctx context.Context) (string, error)
}

// Claims are the token fields the device cares about. Signatures are
// verified by the server, not here.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token is unusable at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Add(expiryLeeway).Before(c.ExpiresAt)
}

// ParseClaims reads subject and expiry from a JWT without verifying it.
// Opaque tokens yield empty claims and never expire.
func ParseClaims(token string) Claims {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c
}

// TokenSource reads the token from a fixed value or from a file the host
// shell rewrites on every sign-in and refresh.
type TokenSource struct {
	path   string
	static string
	poll   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	token  string
	claims Claims
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *TokenSource) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TokenSource) { s.logger = logger }
}

// NewTokenSource returns a source that prefers static over the file at path.
// poll is how often WaitForAuth looks for a token.
func NewTokenSource(path, static string, poll time.Duration, opts ...Option) *TokenSource {
	if poll <= 0 {
		poll = time.Second
	}
	s := &TokenSource{
		path:   path,
		static: strings.TrimSpace(static),
		poll:   poll,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !s.claims.Expired(s.now()) {
		return s.token, nil
	}
	return s.loadLocked()
}

func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.token
	s.token = ""
	tok, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	if tok == stale {
		s.logger.Debug("token unchanged after refresh", "component", "auth")
	}
	return tok, nil
}

func (s *TokenSource) WaitForAuth(ctx context.Context) error {
	if _, err := s.Token(ctx); err == nil {
		return nil
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAuthRequired, ctx.Err())
		case <-ticker.C:
			if _, err := s.Token(ctx); err == nil {
				s.logger.Info("authenticated", "component", "auth", "subject", s.Claims().Subject)
				return nil
			}
		}
	}
}

// Claims returns the claims of the cached token.
func (s *TokenSource) Claims() Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

func (s *TokenSource) loadLocked() (string, error) {
	tok := s.static
	if tok == "" && s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: no token file at %s", ErrAuthRequired, s.path)
			}
			return "", fmt.Errorf("%w: read token file: %w", ErrAuthRequired, err)
		}
		tok = strings.TrimSpace(string(data))
	}
	tok = strings.TrimSpace(strings.TrimPrefix(tok, "Bearer "))
	if tok == "" {
		return "", fmt.Errorf("%w: no token configured", ErrAuthRequired)
	}

	claims := ParseClaims(tok)
	if claims.Expired(s.now()) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthRequired, claims.ExpiresAt.Format(time.RFC3339))
	}
	s.token, s.claims = tok, claims
	return tok, nil
}
