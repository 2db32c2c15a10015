package chunkmerge

import (
	"sync"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// Provider is the shared chunk provider design note: sub-workers would
// naively each fetch the same chunk if two series land in different
// sub-workers. Provider centralizes fetching so the same chunk is never
// fetched twice per segment; it caches only chunks currently in flight, not
// ones already delivered.
type Provider struct {
	mu       sync.Mutex
	inFlight map[uint64]*fetchState
}

type fetchState struct {
	done chan struct{}
	data []byte
	err  error
}

// NewProvider constructs an empty shared chunk provider for one merge task.
func NewProvider() *Provider {
	return &Provider{inFlight: make(map[uint64]*fetchState)}
}

// Fetch returns the bytes of the chunk at meta, deduplicating concurrent
// requests for the same (segmentPath, offset) across sub-workers.
func (p *Provider) Fetch(segmentPath string, rd segstore.SegmentReader, meta segment.ChunkMeta) ([]byte, error) {
	key := segment.ChunkDedupKey(segmentPath, meta.Offset)

	p.mu.Lock()
	if state, ok := p.inFlight[key]; ok {
		p.mu.Unlock()
		<-state.done
		return state.data, state.err
	}
	state := &fetchState{done: make(chan struct{})}
	p.inFlight[key] = state
	p.mu.Unlock()

	data, err := rd.ReadChunk(meta)
	state.data, state.err = data, err
	close(state.done)

	p.mu.Lock()
	delete(p.inFlight, key) // not cached once delivered
	p.mu.Unlock()

	return data, err
}
