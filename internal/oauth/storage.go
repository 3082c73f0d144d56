package oauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/mcp-inspect/internal/config"
)

// State is everything kept per MCP server URL.
type State struct {
	StaticClientInformation *ClientInformation           `json:"staticClientInformation,omitempty"`
	ClientInformation       *ClientInformation           `json:"clientInformation,omitempty"`
	Tokens                  *TokenSet                    `json:"tokens,omitempty"`
	CodeVerifier            string                       `json:"codeVerifier,omitempty"`
	Scope                   string                       `json:"scope,omitempty"`
	ServerMetadata          *AuthorizationServerMetadata `json:"serverMetadata,omitempty"`
	ResourceMetadata        *ProtectedResourceMetadata   `json:"resourceMetadata,omitempty"`
}

// Backend persists State documents. Load returns nil, nil when nothing is
// stored for serverURL.
type Backend interface {
	Load(ctx context.Context, serverURL string) (*State, error)
	Save(ctx context.Context, serverURL string, state *State) error
	Delete(ctx context.Context, serverURL string) error
}

// Updater is implemented by backends that can apply a read-modify-write
// cycle atomically across processes. fn receives a non-nil State.
type Updater interface {
	Update(ctx context.Context, serverURL string, fn func(*State)) error
}

// Storage gives field-level access to a Backend. Read-modify-write cycles are
// serialized per Storage, and across processes when the backend is an Updater.
type Storage struct {
	mu      sync.Mutex
	backend Backend
}

// NewStorage wraps a backend. A nil backend keeps state in memory.
func NewStorage(backend Backend) *Storage {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Storage{backend: backend}
}

// NewStorageFromSettings builds the backend selected in the config file.
func NewStorageFromSettings(ctx context.Context, s config.StorageSettings) (*Storage, error) {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var (
		backend Backend
		err     error
	)
	switch s.Type {
	case config.StorageMemory:
		backend = NewMemoryBackend()
	case config.StorageFile:
		backend = NewFileBackend(s.Path)
	case config.StorageRemote:
		backend = NewRemoteBackend(s.URL, s.Token)
	case config.StoragePostgres:
		backend, err = NewPostgresBackend(ctx, s.DSN)
	}
	if err != nil {
		return nil, err
	}
	return NewStorage(backend), nil
}

// Backend returns the underlying backend.
func (s *Storage) Backend() Backend {
	return s.backend
}

func (s *Storage) load(ctx context.Context, serverURL string) (*State, error) {
	st, err := s.backend.Load(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	if st == nil {
		st = &State{}
	}
	return st, nil
}

func (s *Storage) get(ctx context.Context, serverURL string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, serverURL)
}

func (s *Storage) update(ctx context.Context, serverURL string, fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.backend.(Updater); ok {
		if err := u.Update(ctx, serverURL, fn); err != nil {
			return fmt.Errorf("failed to update oauth state: %w", err)
		}
		return nil
	}

	st, err := s.load(ctx, serverURL)
	if err != nil {
		return err
	}
	fn(st)
	if err := s.backend.Save(ctx, serverURL, st); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// GetClientInformation returns the client to use. With preferStatic a
// configured static client wins over a registered one; otherwise the
// registered client is returned first.
func (s *Storage) GetClientInformation(ctx context.Context, serverURL string, preferStatic bool) (*ClientInformation, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	if preferStatic && st.StaticClientInformation != nil {
		return st.StaticClientInformation, nil
	}
	if st.ClientInformation != nil {
		return st.ClientInformation, nil
	}
	return st.StaticClientInformation, nil
}

func (s *Storage) SaveClientInformation(ctx context.Context, serverURL string, info *ClientInformation) error {
	return s.update(ctx, serverURL, func(st *State) { st.ClientInformation = info })
}

func (s *Storage) SaveStaticClientInformation(ctx context.Context, serverURL string, info *ClientInformation) error {
	return s.update(ctx, serverURL, func(st *State) { st.StaticClientInformation = info })
}

func (s *Storage) GetTokens(ctx context.Context, serverURL string) (*TokenSet, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	return st.Tokens, nil
}

func (s *Storage) SaveTokens(ctx context.Context, serverURL string, tokens *TokenSet) error {
	return s.update(ctx, serverURL, func(st *State) { st.Tokens = tokens })
}

func (s *Storage) GetCodeVerifier(ctx context.Context, serverURL string) (string, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return "", err
	}
	return st.CodeVerifier, nil
}

func (s *Storage) SaveCodeVerifier(ctx context.Context, serverURL, verifier string) error {
	return s.update(ctx, serverURL, func(st *State) { st.CodeVerifier = verifier })
}

func (s *Storage) GetScope(ctx context.Context, serverURL string) (string, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return "", err
	}
	return st.Scope, nil
}

func (s *Storage) SaveScope(ctx context.Context, serverURL, scope string) error {
	return s.update(ctx, serverURL, func(st *State) { st.Scope = scope })
}

func (s *Storage) GetServerMetadata(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	return st.ServerMetadata, nil
}

func (s *Storage) SaveServerMetadata(ctx context.Context, serverURL string, m *AuthorizationServerMetadata) error {
	return s.update(ctx, serverURL, func(st *State) { st.ServerMetadata = m })
}

func (s *Storage) GetResourceMetadata(ctx context.Context, serverURL string) (*ProtectedResourceMetadata, error) {
	st, err := s.get(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	return st.ResourceMetadata, nil
}

func (s *Storage) SaveResourceMetadata(ctx context.Context, serverURL string, m *ProtectedResourceMetadata) error {
	return s.update(ctx, serverURL, func(st *State) { st.ResourceMetadata = m })
}

// State returns the whole stored document for serverURL.
func (s *Storage) State(ctx context.Context, serverURL string) (*State, error) {
	return s.get(ctx, serverURL)
}

// Clear forgets everything stored for serverURL.
func (s *Storage) Clear(ctx context.Context, serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, serverURL); err != nil {
		return fmt.Errorf("failed to clear oauth state: %w", err)
	}
	return nil
}
