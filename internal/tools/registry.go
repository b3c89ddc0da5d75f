// Package tools implements the ToolRegistry: registration, schema
// validation, LRU+TTL result caching, in-flight call deduplication, and
// bounded parallel batch execution.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Tool is the contract every executor implements.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Cacheable   bool
	MaxRetries  int
	Timeout     time.Duration
	Execute     func(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Definition is the LLM-facing function-call schema for a registered tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Call is one requested tool invocation, as emitted by the LLM.
type Call struct {
	ID   string
	Name string
	Args map[string]interface{}
}

type cacheEntry struct {
	value    *Result
	insertAt time.Time
	ttl      time.Duration
}

// Registry holds the set of registered tools plus the cache/in-flight state
// the core's caching and dedup guarantees depend on.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	allowed map[string]struct{} // nil = no filter

	cache       *lru.Cache[string, cacheEntry]
	defaultTTL  time.Duration
	defaultTO   time.Duration
	parallelism int

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	res  *Result
	err  error
}

// Config tunes cache size/TTL, default timeout and batch parallelism.
type Config struct {
	CacheSize      int
	DefaultTTL     time.Duration
	DefaultTimeout time.Duration
	Parallelism    int
}

// DefaultConfig matches the core's stated defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:      256,
		DefaultTTL:     5 * time.Minute,
		DefaultTimeout: 30 * time.Second,
		Parallelism:    8,
	}
}

// NewRegistry builds a Registry. allowedTools, when non-nil, filters
// Describe()'s output (and refuses execution of names outside the list).
func NewRegistry(cfg Config, allowedTools []string) (*Registry, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	c, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, errs.New(errs.Fatal, "tools.NewRegistry", err)
	}
	var allowed map[string]struct{}
	if len(allowedTools) > 0 {
		allowed = make(map[string]struct{}, len(allowedTools))
		for _, n := range allowedTools {
			allowed[n] = struct{}{}
		}
	}
	return &Registry{
		tools:       make(map[string]*Tool),
		allowed:     allowed,
		cache:       c,
		defaultTTL:  cfg.DefaultTTL,
		defaultTO:   cfg.DefaultTimeout,
		parallelism: cfg.Parallelism,
		inflight:    make(map[string]*inflightCall),
	}, nil
}

// Register adds a tool. Returns a Validation error on name collision.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return errs.New(errs.Validation, "tools.Register", fmt.Errorf("tool %q already registered", t.Name))
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool, if registered and allowed.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if r.allowed != nil {
		if _, ok := r.allowed[name]; !ok {
			return nil, false
		}
	}
	return t, true
}

// List returns the names of allowlisted tools, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		if r.allowed != nil {
			if _, ok := r.allowed[n]; !ok {
				continue
			}
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the allowlisted tool set as provider-facing function
// definitions, ready to pass as ChatRequest.Tools.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	defs := r.Describe()
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// Describe returns the LLM-facing schema of every allowlisted tool.
func (r *Registry) Describe() []Definition {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return defs
}

// fingerprint derives a stable identity for (name, canonical args) so
// concurrent identical calls collapse onto one execution.
func fingerprint(name string, args map[string]interface{}) (string, error) {
	canon, err := canonicalize(args)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256([]byte(name + "\x00" + canon))
	return hex.EncodeToString(h[:]), nil
}

// canonicalize produces a deterministic JSON encoding of args by sorting
// map keys recursively (encoding/json already sorts map[string]any keys).
func canonicalize(args map[string]interface{}) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Execute validates args, deduplicates identical in-flight/cached calls,
// and invokes the tool's executor with retry/backoff. It never returns
// through to the caller as a Go error for tool-level failures — those are
// carried back inside Result with IsError set; Execute's error return is
// reserved for scheduling/validation failures the caller must see as such.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name)), errs.New(errs.Validation, "tools.Execute", fmt.Errorf("unknown tool %q", name))
	}

	if err := validateArgs(t, args); err != nil {
		return ErrorResult(err.Error()), errs.New(errs.Validation, "tools.Execute", err)
	}

	fp, err := fingerprint(name, args)
	if err != nil {
		return ErrorResult(err.Error()), errs.New(errs.Validation, "tools.Execute", err)
	}

	if t.Cacheable {
		if entry, ok := r.cache.Get(fp); ok {
			if time.Since(entry.insertAt) < entry.ttl {
				return entry.value, nil
			}
			r.cache.Remove(fp)
		}
	}

	// Insert-then-guaranteed-remove must be a single atomic pair: the
	// in-flight entry is created and registered in the same critical
	// section that decides whether this call is the leader, and removal is
	// deferred immediately so a panic or early return during scheduling
	// still clears it. This closes the leak a finally-after-the-fact
	// pattern would leave behind.
	r.inflightMu.Lock()
	if existing, ok := r.inflight[fp]; ok {
		r.inflightMu.Unlock()
		<-existing.done
		return existing.res, existing.err
	}
	call := &inflightCall{done: make(chan struct{})}
	r.inflight[fp] = call
	r.inflightMu.Unlock()

	defer func() {
		r.inflightMu.Lock()
		if r.inflight[fp] == call {
			delete(r.inflight, fp)
		}
		r.inflightMu.Unlock()
		close(call.done)
	}()

	res, execErr := r.runWithRetry(ctx, t, args)
	call.res, call.err = res, execErr

	if execErr == nil && t.Cacheable && !res.IsError {
		ttl := r.defaultTTL
		r.cache.Add(fp, cacheEntry{value: res, insertAt: time.Now(), ttl: ttl})
	}

	return res, execErr
}

func (r *Registry) runWithRetry(ctx context.Context, t *Tool, args map[string]interface{}) (*Result, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.defaultTO
	}
	maxRetries := t.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := t.Execute(callCtx, args)
		cancel()

		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errs.Is(err, errs.Transient) {
			return ErrorResult(err.Error()), nil
		}
		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ErrorResult(ctx.Err().Error()), nil
			}
		}
	}
	slog.Warn("tool exhausted retries", "tool", t.Name, "error", lastErr)
	return ErrorResult(lastErr.Error()), nil
}

func validateArgs(t *Tool, args map[string]interface{}) error {
	required, _ := t.Schema["required"].([]interface{})
	for _, reqAny := range required {
		req, _ := reqAny.(string)
		if req == "" {
			continue
		}
		if _, ok := args[req]; !ok {
			return fmt.Errorf("missing required argument %q for tool %q", req, t.Name)
		}
	}
	return nil
}

// BatchResult pairs a Call with its outcome, preserving the call's ID so
// callers can build tool-result messages keyed by it.
type BatchResult struct {
	Call   Call
	Result *Result
}

// ExecuteBatch runs up to Parallelism calls concurrently and returns
// results in the same order as calls, regardless of completion order.
// Individual failures come back as error results, never as a raised error
// — one failing call must not cancel the others.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call) []BatchResult {
	out := make([]BatchResult, len(calls))
	var g errgroup.Group
	g.SetLimit(r.parallelism)

	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			res, err := r.Execute(ctx, c.Name, c.Args)
			if err != nil && res == nil {
				res = ErrorResult(err.Error())
			}
			out[i] = BatchResult{Call: c, Result: res}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
