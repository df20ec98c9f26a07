package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Environment variables that seed the fake backend.
const (
	EnvFakeResponses     = "SPECTATOR_FAKE_RESPONSES"
	EnvFakeRoleResponses = "SPECTATOR_FAKE_ROLE_RESPONSES"
)

// FakeCall records one Complete invocation.
type FakeCall struct {
	Prompt string
	Params Params
}

// Fake replays canned responses: the role queue first, then the global
// queue, then the empty string. Every call is recorded for assertions.
// Safe for concurrent use.
type Fake struct {
	mu            sync.Mutex
	responses     []string
	roleResponses map[string][]string
	calls         []FakeCall
}

// NewFake returns an empty fake backend.
func NewFake() *Fake {
	return &Fake{roleResponses: map[string][]string{}}
}

// NewFakeFromEnv seeds a fake backend from SPECTATOR_FAKE_RESPONSES
// (JSON list) and SPECTATOR_FAKE_ROLE_RESPONSES (JSON object of lists).
// Unparsable values are skipped with a warning.
func NewFakeFromEnv(logger *slog.Logger) *Fake {
	if logger == nil {
		logger = slog.Default()
	}
	b := NewFake()
	if raw := os.Getenv(EnvFakeResponses); raw != "" {
		var responses []string
		if err := json.Unmarshal([]byte(raw), &responses); err != nil {
			logger.Warn("ignoring unparsable fake responses", "env", EnvFakeResponses, "error", err)
		} else {
			b.ExtendResponses(responses...)
		}
	}
	if raw := os.Getenv(EnvFakeRoleResponses); raw != "" {
		var byRole map[string][]string
		if err := json.Unmarshal([]byte(raw), &byRole); err != nil {
			logger.Warn("ignoring unparsable fake role responses", "env", EnvFakeRoleResponses, "error", err)
		} else {
			for role, responses := range byRole {
				b.ExtendRoleResponses(role, responses...)
			}
		}
	}
	return b
}

// Complete pops the next canned response.
func (b *Fake) Complete(_ context.Context, prompt string, p Params) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, FakeCall{Prompt: prompt, Params: p})

	if queue := b.roleResponses[p.Role]; p.Role != "" && len(queue) > 0 {
		next := queue[0]
		b.roleResponses[p.Role] = queue[1:]
		return next, nil
	}
	if len(b.responses) > 0 {
		next := b.responses[0]
		b.responses = b.responses[1:]
		return next, nil
	}
	return "", nil
}

// ExtendResponses appends to the global queue.
func (b *Fake) ExtendResponses(responses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, responses...)
}

// ExtendRoleResponses appends to one role's queue.
func (b *Fake) ExtendRoleResponses(role string, responses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roleResponses[role] = append(b.roleResponses[role], responses...)
}

// Calls returns a copy of the recorded invocations.
func (b *Fake) Calls() []FakeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FakeCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func init() {
	mustRegister("fake", func(opts Options) (Backend, error) {
		return NewFakeFromEnv(opts.Logger), nil
	})
}
