package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend types.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRemote   = "remote"
	StoragePostgres = "postgres"
)

// File is the on-disk configuration. JSON files in the common mcp.json shape
// parse as well since JSON is a YAML subset.
type File struct {
	Servers    map[string]ServerConfig `yaml:"servers,omitempty"`
	MCPServers map[string]ServerConfig `yaml:"mcpServers,omitempty"`
	OAuth      OAuthSettings           `yaml:"oauth,omitempty"`
	Storage    StorageSettings         `yaml:"storage,omitempty"`
	Retry      RetrySettings           `yaml:"retry,omitempty"`
	History    HistorySettings         `yaml:"history,omitempty"`
}

// OAuthSettings mirrors the authorize flags of the CLI.
type OAuthSettings struct {
	Enabled             bool          `yaml:"enabled,omitempty"`
	Guided              bool          `yaml:"guided,omitempty"`
	ClientID            string        `yaml:"clientId,omitempty"`
	ClientSecret        string        `yaml:"clientSecret,omitempty"`
	Scopes              []string      `yaml:"scopes,omitempty"`
	ScopeMode           string        `yaml:"scopeMode,omitempty"`
	RedirectURL         string        `yaml:"redirectUrl,omitempty"`
	GuidedRedirectURL   string        `yaml:"guidedRedirectUrl,omitempty"`
	RegistrationToken   string        `yaml:"registrationToken,omitempty"`
	ResourceURI         string        `yaml:"resourceUri,omitempty"`
	SkipResourceParam   bool          `yaml:"skipResourceParam,omitempty"`
	PreferredAuthServer string        `yaml:"preferredAuthServer,omitempty"`
	ClientIDMetadataURL string        `yaml:"clientIdMetadataUrl,omitempty"`
	Timeout             time.Duration `yaml:"timeout,omitempty"`
	StepUpMaxRetries    int           `yaml:"stepUpMaxRetries,omitempty"`
}

// StorageSettings selects where OAuth state is kept.
type StorageSettings struct {
	Type  string `yaml:"type,omitempty"`
	Path  string `yaml:"path,omitempty"`
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
	DSN   string `yaml:"dsn,omitempty"`
}

// RetrySettings configures connection retries in the manager.
type RetrySettings struct {
	MaxRetries        int           `yaml:"maxRetries,omitempty"`
	BaseDelay         time.Duration `yaml:"baseDelay,omitempty"`
	MaxDelay          time.Duration `yaml:"maxDelay,omitempty"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier,omitempty"`
}

// HistorySettings bounds the per-session histories.
type HistorySettings struct {
	MaxMessages      *int `yaml:"maxMessages,omitempty"`
	MaxStderrLines   int  `yaml:"maxStderrLines,omitempty"`
	MaxFetchRequests int  `yaml:"maxFetchRequests,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// mcpServers entries are merged in; servers wins on name clashes.
	if len(f.MCPServers) > 0 {
		if f.Servers == nil {
			f.Servers = make(map[string]ServerConfig, len(f.MCPServers))
		}
		for name, sc := range f.MCPServers {
			if _, exists := f.Servers[name]; !exists {
				f.Servers[name] = sc
			}
		}
		f.MCPServers = nil
	}

	for name, sc := range f.Servers {
		sc = sc.WithDefaults()
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		f.Servers[name] = sc
	}

	if err := f.Storage.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ServerNames returns the configured server names in sorted order.
func (f *File) ServerNames() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server looks up one server by name.
func (f *File) Server(name string) (ServerConfig, bool) {
	sc, ok := f.Servers[name]
	return sc, ok
}

// WithDefaults fills in the storage type.
func (s StorageSettings) WithDefaults() StorageSettings {
	if s.Type == "" {
		s.Type = StorageMemory
	}
	return s
}

// Validate checks that the backend has what it needs.
func (s StorageSettings) Validate() error {
	switch s.WithDefaults().Type {
	case StorageMemory:
	case StorageFile:
		if s.Path == "" {
			return fmt.Errorf("file storage requires a path")
		}
	case StorageRemote:
		if s.URL == "" {
			return fmt.Errorf("remote storage requires a url")
		}
	case StoragePostgres:
		if s.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unsupported storage type %q", s.Type)
	}
	return nil
}
