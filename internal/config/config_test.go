package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServerConfigKind(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want TransportKind
	}{
		{name: "explicit sse", cfg: ServerConfig{Type: KindSSE, URL: "http://localhost/sse"}, want: KindSSE},
		{name: "inferred stdio", cfg: ServerConfig{Command: "npx"}, want: KindStdio},
		{name: "inferred streamable-http", cfg: ServerConfig{URL: "http://localhost/mcp"}, want: KindStreamableHTTP},
		{name: "empty", cfg: ServerConfig{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Kind(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{name: "valid stdio", cfg: ServerConfig{Type: KindStdio, Command: "node", Args: []string{"server.js"}}},
		{name: "valid sse", cfg: ServerConfig{Type: KindSSE, URL: "https://example.com/sse"}},
		{name: "valid streamable", cfg: ServerConfig{Type: KindStreamableHTTP, URL: "http://localhost:8090/mcp"}},
		{name: "stdio without command", cfg: ServerConfig{Type: KindStdio}, wantErr: "requires a command"},
		{name: "stdio with url", cfg: ServerConfig{Type: KindStdio, Command: "x", URL: "http://a"}, wantErr: "must not set url"},
		{name: "sse without url", cfg: ServerConfig{Type: KindSSE}, wantErr: "requires a url"},
		{name: "http with command", cfg: ServerConfig{Type: KindStreamableHTTP, URL: "http://a/mcp", Command: "x"}, wantErr: "must not set command"},
		{name: "bad scheme", cfg: ServerConfig{Type: KindSSE, URL: "ftp://example.com"}, wantErr: "http or https"},
		{name: "no host", cfg: ServerConfig{Type: KindSSE, URL: "http:///sse"}, wantErr: "missing host"},
		{name: "unknown type", cfg: ServerConfig{Type: "websocket", URL: "ws://a"}, wantErr: "unsupported transport type"},
		{name: "nothing", cfg: ServerConfig{}, wantErr: "needs a command or a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got error %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigCloneIsDeep(t *testing.T) {
	orig := ServerConfig{
		Command: "node",
		Args:    []string{"a"},
		Env:     map[string]string{"K": "V"},
		Headers: map[string]string{"X": "1"},
	}
	clone := orig.Clone()
	clone.Args[0] = "changed"
	clone.Env["K"] = "changed"
	clone.Headers["X"] = "changed"

	if orig.Args[0] != "a" || orig.Env["K"] != "V" || orig.Headers["X"] != "1" {
		t.Errorf("clone shares state with original: %+v", orig)
	}
}

func TestEnvListSorted(t *testing.T) {
	cfg := ServerConfig{Env: map[string]string{"B": "2", "A": "1"}}
	got := strings.Join(cfg.EnvList(), ",")
	if got != "A=1,B=2" {
		t.Errorf("got %q, want %q", got, "A=1,B=2")
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
servers:
  everything:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-everything"]
    env:
      DEBUG: "1"
  remote:
    type: sse
    url: https://mcp.example.com/sse
    headers:
      X-Tenant: acme
mcpServers:
  everything:
    command: ignored
  legacy:
    url: http://localhost:8090/mcp
oauth:
  enabled: true
  scopes: [read, write]
  timeout: 2m
storage:
  type: file
  path: /tmp/oauth.json
retry:
  maxRetries: 5
  baseDelay: 250ms
`)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	names := strings.Join(f.ServerNames(), ",")
	if names != "everything,legacy,remote" {
		t.Errorf("got names %q", names)
	}

	everything, _ := f.Server("everything")
	if everything.Command != "npx" || everything.Type != KindStdio {
		t.Errorf("servers entry should win over mcpServers, got %+v", everything)
	}

	legacy, _ := f.Server("legacy")
	if legacy.Type != KindStreamableHTTP {
		t.Errorf("got legacy type %q, want %q", legacy.Type, KindStreamableHTTP)
	}

	if !f.OAuth.Enabled || f.OAuth.Timeout != 2*time.Minute {
		t.Errorf("unexpected oauth settings: %+v", f.OAuth)
	}
	if f.Retry.MaxRetries != 5 || f.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry settings: %+v", f.Retry)
	}
}

func TestParseRejectsInvalidServer(t *testing.T) {
	_, err := Parse([]byte("servers:\n  bad:\n    type: sse\n"))
	if err == nil || !strings.Contains(err.Error(), `server "bad"`) {
		t.Fatalf("got %v, want error naming the server", err)
	}
}

func TestStorageSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       StorageSettings
		wantErr bool
	}{
		{name: "default memory", s: StorageSettings{}},
		{name: "file with path", s: StorageSettings{Type: StorageFile, Path: "x.json"}},
		{name: "file without path", s: StorageSettings{Type: StorageFile}, wantErr: true},
		{name: "remote without url", s: StorageSettings{Type: StorageRemote}, wantErr: true},
		{name: "postgres without dsn", s: StorageSettings{Type: StoragePostgres}, wantErr: true},
		{name: "unknown", s: StorageSettings{Type: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got error %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	content := `{"mcpServers": {"fs": {"command": "mcp-fs", "args": ["/tmp"]}}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	fs, ok := f.Server("fs")
	if !ok || fs.Kind() != KindStdio || fs.Args[0] != "/tmp" {
		t.Errorf("unexpected server: %+v", fs)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
