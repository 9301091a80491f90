package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"tableauetl/internal/log"
)

// Config is what a backend factory needs to open a target.
type Config struct {
	Kind string
	DSN  string
	// Clock stamps backup names and summary dates. Defaults to the real clock.
	Clock  clockwork.Clock
	Logger log.Logger
}

// WithDefaults fills in the clock and logger.
func (c Config) WithDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	c.Logger = log.NewLogger(c.Logger)
	return c
}

type Factory func(ctx context.Context, cfg Config) (Target, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It is called from the
// backend package's init and panics on an empty kind, a nil factory or a
// duplicate registration.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a target with the backend registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Target, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrUnsupportedKind)
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, cfg.Kind)
	}
	return f(ctx, cfg.WithDefaults())
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
