package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestTokenSetValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		tokens *TokenSet
		want   bool
	}{
		{name: "nil", tokens: nil, want: false},
		{name: "empty access token", tokens: &TokenSet{}, want: false},
		{
			name:   "expires_in in the future",
			tokens: &TokenSet{AccessToken: "opaque", ExpiresIn: 3600, IssuedAt: now.Add(-time.Hour + time.Minute)},
			want:   true,
		},
		{
			name:   "expires_in elapsed",
			tokens: &TokenSet{AccessToken: "opaque", ExpiresIn: 3600, IssuedAt: now.Add(-2 * time.Hour)},
			want:   false,
		},
		{
			name:   "expires_in within skew",
			tokens: &TokenSet{AccessToken: "opaque", ExpiresIn: 60, IssuedAt: now.Add(-55 * time.Second)},
			want:   false,
		},
		{
			name:   "opaque without expiry never expires",
			tokens: &TokenSet{AccessToken: "opaque-token", IssuedAt: now.Add(-1000 * time.Hour)},
			want:   true,
		},
		{
			name:   "jwt exp in the future",
			tokens: &TokenSet{AccessToken: signedJWT(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})},
			want:   true,
		},
		{
			name:   "jwt exp in the past",
			tokens: &TokenSet{AccessToken: signedJWT(t, jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})},
			want:   false,
		},
		{
			name:   "jwt without exp fails closed",
			tokens: &TokenSet{AccessToken: signedJWT(t, jwt.MapClaims{"sub": "x"})},
			want:   false,
		},
		{
			name:   "malformed jwt fails closed",
			tokens: &TokenSet{AccessToken: "not.a.jwt"},
			want:   false,
		},
		{
			name:   "expires_in wins over jwt exp",
			tokens: &TokenSet{AccessToken: signedJWT(t, jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()}), ExpiresIn: 3600, IssuedAt: now},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tokens.Valid(now); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenWithoutStoredTokens(t *testing.T) {
	e := newTestEngine(t, "https://mcp.example.com/mcp")
	tok, err := e.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "" {
		t.Errorf("got %q, want empty token", tok)
	}
}

func TestTokenReturnsValidStoredToken(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, "https://mcp.example.com/mcp", WithClock(func() time.Time { return now }))

	if err := e.Storage().SaveTokens(ctx, e.Config().ServerURL, &TokenSet{AccessToken: "abc", ExpiresIn: 60, IssuedAt: now}); err != nil {
		t.Fatal(err)
	}
	tok, err := e.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "abc" {
		t.Errorf("got %q, want %q", tok, "abc")
	}
}

func TestRefreshTokenWithoutRefreshToken(t *testing.T) {
	e := newTestEngine(t, "https://mcp.example.com/mcp")
	if _, err := e.RefreshToken(context.Background(), RefreshParams{}); err != ErrNoRefreshToken {
		t.Errorf("got %v, want ErrNoRefreshToken", err)
	}
}
