package project

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type registryFile struct {
	Projects []Project `yaml:"projects"`
}

// Registry holds the configured projects. It is read-only after load.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]Project
}

func NewRegistry(projects ...Project) (*Registry, error) {
	r := &Registry{projects: make(map[string]Project, len(projects))}
	for _, p := range projects {
		if err := p.normalize(); err != nil {
			return nil, err
		}
		if _, dup := r.projects[p.ID]; dup {
			return nil, fmt.Errorf("duplicate project id %q", p.ID)
		}
		r.projects[p.ID] = p
	}
	return r, nil
}

// LoadRegistry reads a YAML file with a top-level `projects:` list.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse project registry %s: %w", path, err)
	}
	return NewRegistry(f.Projects...)
}

func (r *Registry) Get(id string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns projects sorted by id.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
