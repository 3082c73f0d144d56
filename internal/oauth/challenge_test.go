package oauth

import (
	"reflect"
	"testing"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    *Challenge
		wantErr bool
	}{
		{
			name:   "resource metadata only",
			header: `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
			want: &Challenge{
				Scheme:              "Bearer",
				ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "insufficient scope with scopes",
			header: `Bearer resource_metadata="https://mcp.example.com/prm", scope="files:read files:write", error="insufficient_scope", error_description="need more"`,
			want: &Challenge{
				Scheme:              "Bearer",
				ResourceMetadataURL: "https://mcp.example.com/prm",
				Scopes:              []string{"files:read", "files:write"},
				Error:               "insufficient_scope",
				ErrorDescription:    "need more",
			},
		},
		{
			name:   "quoted comma is preserved",
			header: `Bearer error_description="a, b", error="invalid_token"`,
			want: &Challenge{
				Scheme:           "Bearer",
				Error:            "invalid_token",
				ErrorDescription: "a, b",
			},
		},
		{
			name:   "unquoted values and mixed case keys",
			header: `Bearer Error=invalid_token, SCOPE=read`,
			want: &Challenge{
				Scheme: "Bearer",
				Error:  "invalid_token",
				Scopes: []string{"read"},
			},
		},
		{
			name:   "scheme only",
			header: "Bearer",
			want:   &Challenge{Scheme: "Bearer"},
		},
		{
			name:    "empty header",
			header:  "  ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChallenge(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestChallengeInsufficientScope(t *testing.T) {
	var nilChallenge *Challenge
	if nilChallenge.InsufficientScope() {
		t.Error("nil challenge must not report insufficient scope")
	}
	if (&Challenge{Error: "invalid_token"}).InsufficientScope() {
		t.Error("invalid_token must not report insufficient scope")
	}
	if !(&Challenge{Error: "insufficient_scope"}).InsufficientScope() {
		t.Error("insufficient_scope not detected")
	}
}

func TestMergeScopes(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		extra    []string
		want     []string
	}{
		{"disjoint", []string{"read"}, []string{"write"}, []string{"read", "write"}},
		{"overlap keeps order", []string{"read", "write"}, []string{"write", "admin"}, []string{"read", "write", "admin"}},
		{"empty existing", nil, []string{"admin"}, []string{"admin"}},
		{"both empty", nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeScopes(tt.existing, tt.extra); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeRetryTracker(t *testing.T) {
	tracker := newScopeRetryTracker(2)

	if !tracker.shouldRetry("s") || !tracker.shouldRetry("s") {
		t.Fatal("first two attempts must be allowed")
	}
	if tracker.shouldRetry("s") {
		t.Fatal("third attempt must be refused")
	}
	if got := tracker.getAttempts("s"); got != 2 {
		t.Errorf("got %d attempts, want 2", got)
	}
	if !tracker.shouldRetry("other") {
		t.Error("keys must be tracked independently")
	}

	tracker.reset("s")
	if !tracker.shouldRetry("s") {
		t.Error("reset must restore the budget")
	}
}
