// Package editor lists the annotation editors a client can open an overlay
// in. The table is built once at startup and never changes afterwards.
package editor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Factory describes one editor. Higher Order values are preferred.
type Factory interface {
	ID() string
	Name() string
	Order() int
}

// Info is the JSON view of a factory.
type Info struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// ErrNoEditors is returned by Default on an empty registry.
var ErrNoEditors = errors.New("no editors registered")

type Registry struct {
	factories []Factory
	byID      map[string]Factory
}

// NewRegistry sorts factories by Order descending, then by id.
func NewRegistry(factories ...Factory) (*Registry, error) {
	byID := make(map[string]Factory, len(factories))
	sorted := make([]Factory, 0, len(factories))
	for _, f := range factories {
		id := strings.TrimSpace(f.ID())
		if id == "" {
			return nil, errors.New("editor id is required")
		}
		if _, exists := byID[id]; exists {
			return nil, fmt.Errorf("editor %q registered twice", id)
		}
		byID[id] = f
		sorted = append(sorted, f)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order() != sorted[j].Order() {
			return sorted[i].Order() > sorted[j].Order()
		}
		return sorted[i].ID() < sorted[j].ID()
	})
	return &Registry{factories: sorted, byID: byID}, nil
}

// Builtin returns the registry of editors shipped with the service.
func Builtin() *Registry {
	registry, err := NewRegistry(
		static{id: "brat", name: "Brat", order: 0},
		static{id: "text", name: "Plain text", order: -10},
	)
	if err != nil {
		panic(err)
	}
	return registry
}

func (r *Registry) Factories() []Factory {
	out := make([]Factory, len(r.factories))
	copy(out, r.factories)
	return out
}

func (r *Registry) Factory(id string) (Factory, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// Default is the highest-ordered editor.
func (r *Registry) Default() (Factory, error) {
	if len(r.factories) == 0 {
		return nil, ErrNoEditors
	}
	return r.factories[0], nil
}

func (r *Registry) Infos() []Info {
	out := make([]Info, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, Info{ID: f.ID(), Name: f.Name(), Order: f.Order()})
	}
	return out
}

type static struct {
	id    string
	name  string
	order int
}

func (s static) ID() string   { return s.id }
func (s static) Name() string { return s.name }
func (s static) Order() int   { return s.order }
