package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/stellarlinkco/chronicler/internal/config"
)

// testConfig returns a Getter over one normalized config, optionally mutated.
func testConfig(mutate func(*config.Config)) config.Getter {
	cfg := config.DefaultConfig()
	cfg.Memory.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()
	return func() *config.Config { return cfg }
}

// stubEmbedder returns fixed vectors for known texts and a deterministic
// hash-derived unit vector for everything else, so unrelated texts land far
// apart without any network call.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: make(map[string][]float32)}
}

func (e *stubEmbedder) set(text string, vector []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = normalizeVector(vector)
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	v := []float32{
		float32(seed%97) + 1,
		float32(seed%89) + 1,
		float32(seed%83) + 1,
		float32(seed%79) + 1,
	}
	return normalizeVector(v), nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// stubModel scripts the two model calls. rewriteFn may be nil, in which case
// observations pass through joined verbatim.
type stubModel struct {
	mu           sync.Mutex
	rewriteFn    func(job *Job, offending []string) (string, error)
	mergeFn      func(entityType, entityID, current, canonical string) (*MergeDecision, error)
	rewriteCalls int
	mergeCalls   int
}

func (m *stubModel) Rewrite(_ context.Context, job *Job, offending []string) (string, error) {
	m.mu.Lock()
	m.rewriteCalls++
	fn := m.rewriteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(job, offending)
	}
	out := ""
	for i, obs := range job.Observations {
		if i > 0 {
			out += " "
		}
		out += obs
	}
	return out, nil
}

func (m *stubModel) MergeProfile(_ context.Context, entityType, entityID, current, canonical string) (*MergeDecision, error) {
	m.mu.Lock()
	m.mergeCalls++
	fn := m.mergeFn
	m.mu.Unlock()
	if fn != nil {
		return fn(entityType, entityID, current, canonical)
	}
	return &MergeDecision{Skip: true}, nil
}

func (m *stubModel) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewriteCalls, m.mergeCalls
}

// stubReranker reverses the candidate order so tests can tell it ran.
type stubReranker struct {
	err   error
	calls int
}

func (r *stubReranker) Rerank(_ context.Context, _ string, docs []string) ([]RerankScore, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	scores := make([]RerankScore, len(docs))
	for i := range docs {
		scores[i] = RerankScore{Index: i, Score: float64(i)}
	}
	return scores, nil
}

var _ Embedder = (*stubEmbedder)(nil)
var _ ModelClient = (*stubModel)(nil)
var _ Reranker = (*stubReranker)(nil)

// errEmbedder fails every call.
type errEmbedder struct{}

func (errEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedder down")
}

func (errEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder down")
}
