package oauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// scopeRetryTracker bounds step-up attempts per server so a server that keeps
// demanding scopes cannot loop the client forever.
type scopeRetryTracker struct {
	mu         sync.Mutex
	attempts   map[string]int
	maxRetries int
}

func newScopeRetryTracker(maxRetries int) *scopeRetryTracker {
	if maxRetries <= 0 {
		maxRetries = DefaultStepUpMaxRetries
	}
	return &scopeRetryTracker{
		attempts:   make(map[string]int),
		maxRetries: maxRetries,
	}
}

// shouldRetry consumes one attempt for key, reporting false once exhausted.
func (t *scopeRetryTracker) shouldRetry(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.attempts[key] >= t.maxRetries {
		return false
	}
	t.attempts[key]++
	return true
}

func (t *scopeRetryTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

func (t *scopeRetryTracker) getAttempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[key]
}

// mergeScopes appends the scopes of extra missing from existing, keeping
// first-seen order.
func mergeScopes(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	var result []string
	for _, list := range [][]string{existing, extra} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// StepUp re-authorizes with the scopes demanded by an insufficient_scope
// challenge merged into the currently granted scope.
func (e *Engine) StepUp(ctx context.Context, challenge *Challenge, receiver CodeReceiver) (*TokenSet, error) {
	if !challenge.InsufficientScope() {
		return nil, fmt.Errorf("challenge is not an insufficient_scope error")
	}
	if len(challenge.Scopes) == 0 {
		return nil, fmt.Errorf("insufficient_scope error without scope parameter")
	}

	key := e.cfg.ServerURL
	if !e.stepUp.shouldRetry(key) {
		e.logger.Error("Max retries (%d) exceeded for step-up authorization", e.stepUp.maxRetries)
		return nil, fmt.Errorf("%w (attempts: %d)", ErrStepUpExhausted, e.stepUp.getAttempts(key))
	}
	e.logger.Info("Step-up authorization attempt %d/%d", e.stepUp.getAttempts(key), e.stepUp.maxRetries)
	if challenge.ErrorDescription != "" {
		e.logger.Info("Server message: %s", challenge.ErrorDescription)
	}

	current, err := e.storage.GetScope(ctx, e.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	scope := strings.Join(mergeScopes(strings.Fields(current), challenge.Scopes), " ")
	e.logger.Info("Requesting additional permissions: %s", scope)

	tokens, err := e.Authorize(ctx, receiver, WithChallenge(challenge), WithScope(scope))
	if err != nil {
		return nil, fmt.Errorf("step-up re-authorization failed: %w", err)
	}
	e.logger.Success("Additional permissions granted")
	return tokens, nil
}

// StepUpSucceeded clears the step-up budget after a request went through.
func (e *Engine) StepUpSucceeded() {
	e.stepUp.reset(e.cfg.ServerURL)
}
