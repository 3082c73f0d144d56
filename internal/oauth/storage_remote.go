package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// StoragePath is where the proxy serves OAuth state.
const StoragePath = "/storage/oauth"

// RemoteBackend keeps state on a remote proxy. Transient failures are retried.
type RemoteBackend struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewRemoteBackend creates a backend talking to the proxy at baseURL,
// authenticating with a bearer token when one is given.
func NewRemoteBackend(baseURL, token string) *RemoteBackend {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &RemoteBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (r *RemoteBackend) endpoint(serverURL string) string {
	return r.baseURL + StoragePath + "?serverUrl=" + url.QueryEscape(serverURL)
}

func (r *RemoteBackend) do(ctx context.Context, method, serverURL string, body any) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, r.endpoint(serverURL), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, StoragePath, err)
	}
	return resp, nil
}

func (r *RemoteBackend) Load(ctx context.Context, serverURL string) (*State, error) {
	resp, err := r.do(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, remoteStatusError(resp)
	}

	var st State
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode remote state: %w", err)
	}
	return &st, nil
}

func (r *RemoteBackend) Save(ctx context.Context, serverURL string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPut, serverURL, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return remoteStatusError(resp)
	}
	return nil
}

func (r *RemoteBackend) Delete(ctx context.Context, serverURL string) error {
	resp, err := r.do(ctx, http.MethodDelete, serverURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return remoteStatusError(resp)
	}
	return nil
}

func remoteStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("remote storage returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
