package llm

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// Service constructs clients for one backend family.
type Service interface {
	// GetClient returns a client bound to model. Unknown models and unknown
	// or ill-typed kwargs fail here, never at generation time.
	GetClient(model string, kwargs map[string]any) (Client, error)
}

// Provider names understood by the registry and pipeline definitions.
const (
	ProviderOpenAIChat       = "openai-chat"
	ProviderOpenAICompletion = "openai-completion"
	ProviderMock             = "mock"
)

// ─── Registry (LRU client cache) ────────────────────────────────────────────
// Hash map + doubly-linked list. Clients are stateless, so eviction simply
// drops the cached value; holders of an evicted client keep working.

// Registry maps provider names to services and caches the clients they build.
type Registry struct {
	mu       sync.Mutex
	services map[string]Service
	clients  map[string]*cacheEntry
	lru      *list.List
	capacity int

	idleTimeout  time.Duration
	reapInterval time.Duration
}

type cacheEntry struct {
	key      string
	client   Client
	element  *list.Element
	lastUsed time.Time
}

// NewRegistry creates a registry caching up to capacity clients.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 16
	}
	return &Registry{
		services:     make(map[string]Service),
		clients:      make(map[string]*cacheEntry),
		lru:          list.New(),
		capacity:     capacity,
		idleTimeout:  30 * time.Minute,
		reapInterval: time.Minute,
	}
}

// Register adds a service under a provider name.
func (r *Registry) Register(provider string, svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if provider == "" {
		return domain.Configf("empty provider name")
	}
	if _, ok := r.services[provider]; ok {
		return domain.Configf("provider %q already registered", provider)
	}
	r.services[provider] = svc
	return nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := slices.Collect(maps.Keys(r.services))
	sort.Strings(names)
	return names
}

// Service looks up a registered service.
func (r *Registry) Service(provider string) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[provider]
	if !ok {
		return nil, domain.Configf("unknown provider %q (registered: %v)", provider, slices.Sorted(maps.Keys(r.services)))
	}
	return svc, nil
}

// GetClient returns a cached client or builds one through the provider's
// service. Construction failures are not cached.
func (r *Registry) GetClient(provider, model string, kwargs map[string]any) (Client, error) {
	key, err := cacheKey(provider, model, kwargs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Cache hit, O(1)
	if entry, ok := r.clients[key]; ok {
		entry.lastUsed = time.Now()
		r.lru.MoveToFront(entry.element)
		return entry.client, nil
	}

	svc, ok := r.services[provider]
	if !ok {
		return nil, domain.Configf("unknown provider %q", provider)
	}
	c, err := svc.GetClient(model, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}

	for r.lru.Len() >= r.capacity {
		r.evictOne()
	}
	entry := &cacheEntry{key: key, client: c, lastUsed: time.Now()}
	entry.element = r.lru.PushFront(entry)
	r.clients[key] = entry
	return c, nil
}

// CachedClients returns the number of cached clients.
func (r *Registry) CachedClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// evictOne drops the least-recently-used client. Caller holds mu.
func (r *Registry) evictOne() {
	e := r.lru.Back()
	if e == nil {
		return
	}
	entry := e.Value.(*cacheEntry)
	r.lru.Remove(e)
	delete(r.clients, entry.key)
}

// IdleReaper runs in background, dropping clients unused for longer than
// the idle timeout.
func (r *Registry) IdleReaper(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(time.Now())
		}
	}
}

func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.clients {
		if now.Sub(entry.lastUsed) > r.idleTimeout {
			r.lru.Remove(entry.element)
			delete(r.clients, key)
		}
	}
}

// cacheKey identifies a client by provider, model and kwargs. encoding/json
// sorts map keys, so equal kwargs yield equal keys.
func cacheKey(provider, model string, kwargs map[string]any) (string, error) {
	data, err := json.Marshal(kwargs)
	if err != nil {
		return "", domain.Configf("kwargs for %s/%s are not serializable: %v", provider, model, err)
	}
	return provider + "|" + model + "|" + string(data), nil
}

// ─── Generation Parameters ──────────────────────────────────────────────────

// GenerateParams holds the sampling parameters accepted from kwargs.
type GenerateParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	Seed        *int64
}

// parseParams validates kwargs against the known sampling parameters plus
// any extra keys the caller allows; extra values are returned untouched.
func parseParams(kwargs map[string]any, extra ...string) (GenerateParams, map[string]any, error) {
	var p GenerateParams
	rest := make(map[string]any)

	keys := slices.Sorted(maps.Keys(kwargs))
	for _, k := range keys {
		v := kwargs[k]
		switch k {
		case "temperature":
			f, ok := toFloat(v)
			if !ok || f < 0 || f > 2 {
				return p, nil, domain.Configf("temperature must be a number in [0,2], got %v", v)
			}
			p.Temperature = &f
		case "top_p":
			f, ok := toFloat(v)
			if !ok || f <= 0 || f > 1 {
				return p, nil, domain.Configf("top_p must be a number in (0,1], got %v", v)
			}
			p.TopP = &f
		case "max_tokens":
			f, ok := toFloat(v)
			if !ok || f < 1 || f != float64(int(f)) {
				return p, nil, domain.Configf("max_tokens must be a positive integer, got %v", v)
			}
			p.MaxTokens = int(f)
		case "stop":
			stop, err := toStrings(v)
			if err != nil {
				return p, nil, domain.Configf("stop: %v", err)
			}
			p.Stop = stop
		case "seed":
			f, ok := toFloat(v)
			if !ok || f != float64(int64(f)) {
				return p, nil, domain.Configf("seed must be an integer, got %v", v)
			}
			s := int64(f)
			p.Seed = &s
		default:
			if !slices.Contains(extra, k) {
				return p, nil, domain.Configf("unknown generation parameter %q", k)
			}
			rest[k] = v
		}
	}
	return p, rest, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return slices.Clone(s), nil
	case []any:
		out := make([]string, len(s))
		for i, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want string", i, item)
			}
			out[i] = str
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want string or list of strings, got %T", v)
	}
}
