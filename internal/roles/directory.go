// Package roles resolves the role an actor holds, from a static directory
// file and through in-memory or Redis caches in front of any resolver.
package roles

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pitabwire/assent/model"
	"gopkg.in/yaml.v3"
)

type directoryFile struct {
	Actors map[string]string `yaml:"actors"`
}

// StaticDirectory resolves roles from a YAML file mapping actor IDs to a
// single role:
//
//	actors:
//	  alice: supervisor
//	  bob: manager
type StaticDirectory struct {
	path   string
	mu     sync.RWMutex
	actors map[string]string
}

var _ model.RoleResolver = (*StaticDirectory)(nil)

// NewStaticDirectory creates a directory that loads actors from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDirectory builds a directory from an in-memory map.
func NewDirectory(actors map[string]string) *StaticDirectory {
	d := &StaticDirectory{actors: make(map[string]string, len(actors))}
	for k, v := range actors {
		d.actors[k] = v
	}
	return d
}

// ResolveRole returns the actor's role, or NOT_FOUND for unknown actors.
func (d *StaticDirectory) ResolveRole(_ context.Context, actor string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	role, ok := d.actors[actor]
	if !ok || role == "" {
		return "", model.NewNotFoundError(fmt.Sprintf("actor %q not found", actor))
	}
	return role, nil
}

// Len returns the number of known actors.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.actors)
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("roles: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("roles: parsing directory file %s: %w", d.path, err)
	}
	if f.Actors == nil {
		f.Actors = map[string]string{}
	}

	d.mu.Lock()
	d.actors = f.Actors
	d.mu.Unlock()

	return nil
}
