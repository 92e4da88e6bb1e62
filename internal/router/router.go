// Package router maintains the broker's model routing table: which live
// connector session serves which model, and with which upstream credential.
package router

import (
	"errors"
	"slices"
	"sort"
	"sync"
)

// Routing errors. ErrUnknownModel means no live session has ever kept the
// model mapped; ErrNoConnector is reserved for callers that distinguish a
// known-but-orphaned model (the table itself drops orphaned models, so
// Route only returns ErrUnknownModel).
var (
	ErrUnknownModel = errors.New("model not found")
	ErrNoConnector  = errors.New("no connector available")
)

// Route is one installed mapping.
type Route struct {
	SessionID string
	// Credential is the upstream API key bound to the session's connector
	// token, empty when none is configured. It never leaves the broker except
	// inside REQUEST frames.
	Credential string
}

type registration struct {
	models     []string
	credential string
}

// Table maps model names to the session that owns them. The first session to
// declare a model owns it; later declarers queue as candidates in declaration
// order and are promoted when the owner unregisters. A single mutex serializes
// lifecycle mutations against handler reads.
type Table struct {
	mu sync.Mutex
	// candidates[model] is the ordered list of live sessions that declared
	// the model; the head is the owner.
	candidates map[string][]string
	sessions   map[string]registration
}

// New returns an empty routing table.
func New() *Table {
	return &Table{
		candidates: make(map[string][]string),
		sessions:   make(map[string]registration),
	}
}

// Register installs a session's models. Models already owned by another live
// session are not stolen; the new session is queued behind it.
func (t *Table) Register(sessionID string, models []string, credential string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[sessionID]; ok {
		// Re-registration with the same id replaces the previous declaration.
		t.removeLocked(sessionID)
	}

	seen := make(map[string]struct{}, len(models))
	kept := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		kept = append(kept, m)
		t.candidates[m] = append(t.candidates[m], sessionID)
	}
	t.sessions[sessionID] = registration{models: kept, credential: credential}
}

// Unregister removes a session. Each model it owned is promoted to the
// earliest surviving declarer, or dropped when none remains.
func (t *Table) Unregister(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(sessionID)
}

func (t *Table) removeLocked(sessionID string) {
	reg, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	delete(t.sessions, sessionID)
	for _, m := range reg.models {
		rest := slices.DeleteFunc(t.candidates[m], func(id string) bool { return id == sessionID })
		if len(rest) == 0 {
			delete(t.candidates, m)
		} else {
			t.candidates[m] = rest
		}
	}
}

// Route resolves a model to its owning session and credential.
func (t *Table) Route(model string) (Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, ok := t.candidates[model]
	if !ok || len(ids) == 0 {
		return Route{}, ErrUnknownModel
	}
	owner := ids[0]
	reg, ok := t.sessions[owner]
	if !ok {
		// Candidate lists only hold live sessions, so this indicates a bug;
		// treat it as unroutable rather than crash a request path.
		return Route{}, ErrNoConnector
	}
	return Route{SessionID: owner, Credential: reg.credential}, nil
}

// Models returns the sorted union of all currently mapped model names.
func (t *Table) Models() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.candidates))
	for m := range t.candidates {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// SessionCount returns the number of registered sessions.
func (t *Table) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Owns reports whether the session currently owns the model (is head of its
// candidate list).
func (t *Table) Owns(sessionID, model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.candidates[model]
	return len(ids) > 0 && ids[0] == sessionID
}
