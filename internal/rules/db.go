package rules

import (
	"fmt"
	"sync"

	"github.com/klyr/klyr/internal/config"
)

// DB holds the compiled engine for the active configuration revision.
type DB struct {
	mu       sync.RWMutex
	engine   *Engine
	revision string
}

func NewDB() *DB {
	return &DB{}
}

// Load compiles cfg's rules and swaps them in. The previous engine stays
// active when compilation fails.
func (d *DB) Load(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	engine, err := BuildEngine(cfg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.engine = engine
	d.revision = cfg.Revision
	d.mu.Unlock()
	return nil
}

// Engine returns the active engine and the revision it was built from.
func (d *DB) Engine() (*Engine, string) {
	if d == nil {
		return nil, ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine, d.revision
}
