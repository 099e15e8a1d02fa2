package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

func TestParseClaims(t *testing.T) {
	tok := signedToken(t, "user-42", testNow.Add(time.Hour))

	c := ParseClaims(tok)
	if c.Subject != "user-42" {
		t.Errorf("Subject = %q, want %q", c.Subject, "user-42")
	}
	if !c.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, testNow.Add(time.Hour))
	}

	if opaque := ParseClaims("not-a-jwt"); opaque != (Claims{}) {
		t.Errorf("opaque claims = %+v, want zero", opaque)
	}
}

func TestTokenSource_StaticToken(t *testing.T) {
	s := NewTokenSource("", "Bearer abc", time.Millisecond, WithClock(fixedClock()))

	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "abc" {
		t.Errorf("Token() = %q, want %q", got, "abc")
	}
}

func TestTokenSource_MissingFile(t *testing.T) {
	s := NewTokenSource(filepath.Join(t.TempDir(), "token"), "", time.Millisecond)

	_, err := s.Token(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Token() error = %v, want ErrAuthRequired", err)
	}
}

func TestTokenSource_ExpiredToken(t *testing.T) {
	// Given: a token that expired an hour ago
	tok := signedToken(t, "u", testNow.Add(-time.Hour))
	s := NewTokenSource("", tok, time.Millisecond, WithClock(fixedClock()))

	// When: the token is requested
	_, err := s.Token(context.Background())

	// Then: authentication is required
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Token() error = %v, want ErrAuthRequired", err)
	}
}

func TestTokenSource_RefreshRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
		t.Fatal(err)
	}
	s := NewTokenSource(path, "", time.Millisecond)
	ctx := context.Background()

	if got, _ := s.Token(ctx); got != "first" {
		t.Fatalf("Token() = %q, want %q", got, "first")
	}

	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Token(ctx); got != "first" {
		t.Errorf("cached Token() = %q, want %q", got, "first")
	}
	got, err := s.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got != "second" {
		t.Errorf("Refresh() = %q, want %q", got, "second")
	}
}

func TestTokenSource_WaitForAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewTokenSource(path, "", 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(path, []byte("late"), 0600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitForAuth(ctx); err != nil {
		t.Fatalf("WaitForAuth() error = %v", err)
	}
}

func TestTokenSource_WaitForAuthCancelled(t *testing.T) {
	s := NewTokenSource(filepath.Join(t.TempDir(), "token"), "", 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WaitForAuth(ctx)
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("WaitForAuth() error = %v, want ErrAuthRequired", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForAuth() error = %v, want DeadlineExceeded", err)
	}
}
