package pipeline

import (
	"context"
	"fmt"
)

// Stats is the opaque key/value data a stage handler returns on success
type Stats map[string]any

// RunContext is handed to each stage handler. StageState is a read-only
// snapshot of completion state at the moment the run was claimed; handlers
// of later stages can consult the stats of earlier ones through it.
type RunContext struct {
	RunID      string
	SubjectKey string
	StageStats map[string]Stats
}

// HandlerFunc executes one stage's work. It blocks for the duration of any
// external download or transform; the orchestrator holds no lock while it runs.
type HandlerFunc func(ctx context.Context, rc *RunContext) (Stats, error)

// Stage is one named, independently trackable unit of pipeline work.
// DependsOn is used only to validate registration order; execution order is
// registration order.
type Stage struct {
	Name      string
	DependsOn []string
	Handler   HandlerFunc
}

// Registry is the ordered, immutable set of registered stages. It is pure
// configuration: constructed once at startup and passed by reference into
// the orchestrator.
type Registry struct {
	stages []Stage
	index  map[string]int
}

// NewRegistry validates and freezes the stage list. Stage names must be
// unique and every declared dependency must be registered earlier.
func NewRegistry(stages ...Stage) (*Registry, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	index := make(map[string]int, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if st.Handler == nil {
			return nil, fmt.Errorf("stage %q has no handler", st.Name)
		}
		if _, dup := index[st.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", st.Name)
		}
		for _, dep := range st.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on %q which is not registered before it", st.Name, dep)
			}
		}
		index[st.Name] = i
	}

	return &Registry{
		stages: append([]Stage(nil), stages...),
		index:  index,
	}, nil
}

// Stages returns the stages in registration order
func (r *Registry) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Names returns the stage names in registration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return names
}

// Contains reports whether a stage name is registered
func (r *Registry) Contains(name string) bool {
	_, ok := r.index[name]
	return ok
}

// NamesFrom returns the given stage and every stage registered after it.
// Used by the administrative reopen cascade: later stages consume earlier
// output, so invalidating a stage invalidates its successors too.
func (r *Registry) NamesFrom(name string) ([]string, error) {
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	names := make([]string, 0, len(r.stages)-i)
	for _, st := range r.stages[i:] {
		names = append(names, st.Name)
	}
	return names, nil
}
