// Package config holds the server configuration model shared by the CLI,
// the connection manager and the remote proxy.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// TransportKind discriminates ServerConfig.
type TransportKind string

const (
	KindStdio          TransportKind = "stdio"
	KindSSE            TransportKind = "sse"
	KindStreamableHTTP TransportKind = "streamable-http"
)

// ServerConfig describes how to reach one MCP server. Exactly one shape is
// valid per kind: stdio uses Command/Args/Env/Cwd, the HTTP kinds use
// URL/Headers.
type ServerConfig struct {
	Type    TransportKind     `yaml:"type,omitempty" json:"type,omitempty"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Kind returns the declared kind, inferring it when Type is empty.
func (c ServerConfig) Kind() TransportKind {
	if c.Type != "" {
		return c.Type
	}
	if c.Command != "" {
		return KindStdio
	}
	if c.URL != "" {
		return KindStreamableHTTP
	}
	return ""
}

// WithDefaults returns a deep copy with the kind resolved.
func (c ServerConfig) WithDefaults() ServerConfig {
	out := c.Clone()
	out.Type = c.Kind()
	return out
}

// Clone returns a deep copy so sessions never share mutable maps or slices
// with the caller.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Validate checks that the fields required by the kind are present.
func (c ServerConfig) Validate() error {
	switch c.Kind() {
	case KindStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("stdio server requires a command")
		}
		if c.URL != "" {
			return fmt.Errorf("stdio server must not set url")
		}
	case KindSSE, KindStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s server requires a url", c.Kind())
		}
		if c.Command != "" {
			return fmt.Errorf("%s server must not set command", c.Kind())
		}
		parsed, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("server url must use http or https scheme, got: %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("server url missing host: %s", c.URL)
		}
	case "":
		return fmt.Errorf("server config needs a command or a url")
	default:
		return fmt.Errorf("unsupported transport type %q (stdio, sse, streamable-http)", c.Type)
	}
	return nil
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (c ServerConfig) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Target is a short human-readable description of where the server lives.
func (c ServerConfig) Target() string {
	if c.Kind() == KindStdio {
		return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
	}
	return c.URL
}
