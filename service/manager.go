package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
)

// ErrSessionNotFound is returned when no live or stored context exists for a
// service channel ID.
var ErrSessionNotFound = errors.New("session not found")

// ErrUnauthorized is returned when a channel token does not match the one
// issued for the context.
var ErrUnauthorized = errors.New("invalid channel token")

// Restorer loads a suspended context for a service channel ID, typically by
// reading a snapshot from a state store. It returns ErrSessionNotFound when
// no snapshot exists.
type Restorer func(ctx context.Context, channelID string) (*Context, error)

// Manager tracks live service contexts keyed by service channel ID. Contexts
// enter the manager when a command is invoked or when a suspended context is
// restored, and leave it when their invocation finishes or is cancelled.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewManager creates an empty context manager.
func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*Context)}
}

// Add registers a live context under its service channel ID.
func (m *Manager) Add(c *Context) {
	m.mu.Lock()
	m.contexts[c.Channel().ServiceChannelID] = c
	m.mu.Unlock()
}

// Get returns the live context for a service channel ID after verifying the
// channel token. It does not consult the state store; use GetOrRestore on
// paths where a suspended context may need to be revived.
func (m *Manager) Get(channelID, token string) (*Context, error) {
	m.mu.RLock()
	c, ok := m.contexts[channelID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := checkChannelToken(c, token); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrRestore returns the live context for a service channel ID, reviving it
// through the restorer when it is not in memory (double-check lock pattern).
// The returned bool reports whether the context was restored by this call.
func (m *Manager) GetOrRestore(ctx context.Context, channelID, token string, restore Restorer) (*Context, bool, error) {
	m.mu.RLock()
	c, ok := m.contexts[channelID]
	m.mu.RUnlock()
	if ok {
		if err := checkChannelToken(c, token); err != nil {
			return nil, false, err
		}
		return c, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, ok := m.contexts[channelID]; ok {
		if err := checkChannelToken(c, token); err != nil {
			return nil, false, err
		}
		return c, false, nil
	}

	c, err := restore(ctx, channelID)
	if err != nil {
		return nil, false, err
	}
	if err := checkChannelToken(c, token); err != nil {
		c.Dispose()
		return nil, false, err
	}
	m.contexts[channelID] = c
	return c, true, nil
}

// Remove drops a context from the manager. It does not dispose the context.
func (m *Manager) Remove(channelID string) {
	m.mu.Lock()
	delete(m.contexts, channelID)
	m.mu.Unlock()
}

// Drain removes and returns every live context, for shutdown.
func (m *Manager) Drain() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.contexts))
	for id, c := range m.contexts {
		out = append(out, c)
		delete(m.contexts, id)
	}
	return out
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// checkChannelToken compares a presented token against the context's service
// channel token in constant time.
func checkChannelToken(c *Context, token string) error {
	want := c.Channel().ServiceChannelToken
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
