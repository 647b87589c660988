package sources

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is the persisted list of library sources. The daemon and the CLI
// both read it; the scheduler refreshes its claim contexts from it.
type Registry struct {
	mu      sync.Mutex
	path    string
	sources []Source
}

type registryFile struct {
	Sources []Source `json:"sources"`
}

// LoadRegistry reads the registry file at path. A missing file yields an
// empty registry rather than an error so a fresh library starts clean.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse source registry: %w", err)
	}
	reg.sources = file.Sources
	return reg, nil
}

// Sources returns a snapshot of all registered sources.
func (r *Registry) Sources() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// ActiveSources returns registered sources whose root currently exists as a
// directory. Sources with a missing root are skipped, not removed; the root
// may come back.
func (r *Registry) ActiveSources() []Source {
	all := r.Sources()
	active := make([]Source, 0, len(all))
	for _, src := range all {
		info, err := os.Stat(src.Root)
		if err != nil || !info.IsDir() {
			log.Debug().Str("source_id", src.ID.String()).Str("root", src.Root).Msg("Skipping source with unavailable root")
			continue
		}
		active = append(active, src)
	}
	return active
}

// Add registers a new source for root and persists the registry. If the root
// is already registered the existing source is returned unchanged.
func (r *Registry) Add(root string) (Source, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Source{}, fmt.Errorf("failed to resolve source root: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range r.sources {
		if src.Root == abs {
			return src, nil
		}
	}

	src := Source{ID: NewSourceID(), Root: abs}
	r.sources = append(r.sources, src)
	if err := r.saveLocked(); err != nil {
		r.sources = r.sources[:len(r.sources)-1]
		return Source{}, err
	}
	return src, nil
}

// Remove drops a source from the registry and persists the change. Removing
// an unknown id is a no-op.
func (r *Registry) Remove(id SourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.sources[:0]
	for _, src := range r.sources {
		if src.ID != id {
			kept = append(kept, src)
		}
	}
	if len(kept) == len(r.sources) {
		return nil
	}
	r.sources = kept
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(registryFile{Sources: r.sources}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode source registry: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write source registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace source registry: %w", err)
	}
	return nil
}
