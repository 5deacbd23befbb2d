package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/user/groupstream/internal/types"
)

// Chunk types produced by a Pipeline.
const (
	ChunkDelta = "delta"
	ChunkDone  = "done"
	ChunkError = "error"
)

// Chunk is one unit of a pipeline's output. A pipeline ends its stream with
// exactly one done or error chunk and then closes the channel.
type Chunk struct {
	Type         string
	Content      string
	Usage        *types.TokenUsage
	ErrorCode    string
	ErrorMessage string
}

// Pipeline executes runs of one kind.
type Pipeline interface {
	Kind() types.RunKind
	// Produce starts the work and returns its output. The pipeline must stop
	// and close the channel when ctx is done.
	Produce(ctx context.Context, run *types.RunMeta) (<-chan Chunk, error)
}

// Registry maps run kinds to the pipelines that execute them.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[types.RunKind]Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[types.RunKind]Pipeline)}
}

// Register adds a pipeline, replacing any previous one of the same kind.
func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Kind()] = p
}

// Get returns the pipeline for kind.
func (r *Registry) Get(kind types.RunKind) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[kind]
	return p, ok
}

// Has reports whether a pipeline is registered for kind.
func (r *Registry) Has(kind types.RunKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []types.RunKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RunKind, 0, len(r.pipelines))
	for k := range r.pipelines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
