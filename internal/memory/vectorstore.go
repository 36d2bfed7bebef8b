package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stellarlinkco/chronicler/internal/config"
)

const (
	eventsCollection   = "cognitive_events"
	profilesCollection = "cognitive_profiles"
)

// VectorStore wraps an embedded chromem-go database holding two collections:
// immutable event statements and mutable entity profile summaries.
type VectorStore struct {
	events   *chromem.Collection
	profiles *chromem.Collection
	embedder Embedder
	reranker Reranker
	cfg      config.Getter
	now      func() time.Time
}

// QueryOptions narrows and shapes one retrieval call. Where and the time
// range are hard filters applied before any ranking. A zero HalfLife
// disables the recency boost.
type QueryOptions struct {
	TopK     int
	Where    map[string]string
	TimeFrom time.Time
	TimeTo   time.Time
	HalfLife time.Duration
}

func NewVectorStore(path string, embedder Embedder, reranker Reranker, cfg config.Getter) (*VectorStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	events, err := db.GetOrCreateCollection(eventsCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open events collection: %w", err)
	}
	profiles, err := db.GetOrCreateCollection(profilesCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open profiles collection: %w", err)
	}
	return &VectorStore{
		events:   events,
		profiles: profiles,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// UpsertEvent indexes one normalized statement. Re-upserting the same id
// replaces the previous document.
func (s *VectorStore) UpsertEvent(ctx context.Context, id, text string, metadata map[string]string) error {
	return s.upsert(ctx, s.events, id, text, metadata)
}

// UpsertProfile indexes an entity summary for semantic profile search.
func (s *VectorStore) UpsertProfile(ctx context.Context, id, text string, metadata map[string]string) error {
	return s.upsert(ctx, s.profiles, id, text, metadata)
}

func (s *VectorStore) upsert(ctx context.Context, col *chromem.Collection, id, text string, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("upsert: empty id")
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	// chromem has no native upsert; delete-then-add keeps re-processing
	// a job idempotent.
	_ = col.Delete(ctx, nil, nil, id)
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vector,
		Metadata:  metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

// QueryEvents runs the full event retrieval pipeline: hard filters, candidate
// over-fetch, optional rerank, similarity threshold, recency boost, truncate.
func (s *VectorStore) QueryEvents(ctx context.Context, query string, opts QueryOptions) ([]EventHit, error) {
	hits, err := s.query(ctx, s.events, query, opts)
	if err != nil {
		return nil, err
	}
	s.applyRecencyBoost(hits, opts.HalfLife)
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	return truncateHits(hits, opts.TopK), nil
}

// QueryProfiles searches the profile summaries. Profiles describe standing
// characteristics, so no recency boost applies.
func (s *VectorStore) QueryProfiles(ctx context.Context, query string, opts QueryOptions) ([]EventHit, error) {
	hits, err := s.query(ctx, s.profiles, query, opts)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = hits[i].Similarity
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	return truncateHits(hits, opts.TopK), nil
}

func (s *VectorStore) query(ctx context.Context, col *chromem.Collection, query string, opts QueryOptions) ([]EventHit, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = config.DefaultAutoTopK
	}

	multiplier := config.DefaultCandidateMultiplier
	if snap := s.cfg(); snap != nil && snap.Memory.CandidateMultiplier > 0 {
		multiplier = snap.Memory.CandidateMultiplier
	}

	fetchK := topK * multiplier
	// chromem's where filter cannot express a time range, so the window is
	// applied after the similarity fetch. Fetch the whole collection in that
	// case; otherwise similar-but-out-of-range documents would crowd in-range
	// ones out of the candidate set.
	if !opts.TimeFrom.IsZero() || !opts.TimeTo.IsZero() {
		fetchK = col.Count()
	}
	if count := col.Count(); fetchK > count {
		fetchK = count
	}
	if fetchK <= 0 {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embed: %w", err)
	}

	// chromem requires nResults to not exceed the document count left after
	// the where filter, which it only reveals through an error. Walk the
	// limit down until the query succeeds or the filtered set proves empty.
	var results []chromem.Result
	for limit := fetchK; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, vector, limit, opts.Where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query collection: %w", err)
	}

	hits := make([]EventHit, 0, len(results))
	for _, result := range results {
		hits = append(hits, EventHit{
			ID:         result.ID,
			Text:       result.Content,
			Timestamp:  result.Metadata["timestamp_local"],
			Metadata:   result.Metadata,
			Similarity: float64(result.Similarity),
		})
	}

	hits = filterByTimeRange(hits, opts.TimeFrom, opts.TimeTo)

	// Below 2x over-fetch the candidate pool is too thin for reranking to
	// mean anything, so it is skipped for this call. When it runs, the
	// reranker narrows the pool to its best 2×top-k before scoring.
	if s.reranker != nil && multiplier >= 2 && len(hits) > 1 {
		hits = s.rerankHits(ctx, query, hits)
		if limit := topK * 2; len(hits) > limit {
			hits = hits[:limit]
		}
	}
	return hits, nil
}

// filterByTimeRange drops candidates outside [from, to]. An inverted range
// is corrected rather than silently matching nothing.
func filterByTimeRange(hits []EventHit, from, to time.Time) []EventHit {
	if from.IsZero() && to.IsZero() {
		return hits
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		log.Printf("[memory] inverted time range corrected: from=%s to=%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
		from, to = to, from
	}

	kept := hits[:0]
	for _, hit := range hits {
		epoch, err := strconv.ParseInt(hit.Metadata["epoch"], 10, 64)
		if err != nil {
			continue
		}
		ts := time.Unix(epoch, 0)
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		kept = append(kept, hit)
	}
	return kept
}

func (s *VectorStore) rerankHits(ctx context.Context, query string, hits []EventHit) []EventHit {
	docs := make([]string, len(hits))
	for i, hit := range hits {
		docs[i] = hit.Text
	}
	scores, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Printf("[memory] rerank skipped: %v", err)
		return hits
	}

	order := make([]int, 0, len(scores))
	seen := make(map[int]struct{}, len(scores))
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	for _, score := range scores {
		if _, ok := seen[score.Index]; ok {
			continue
		}
		seen[score.Index] = struct{}{}
		order = append(order, score.Index)
	}
	for i := range hits {
		if _, ok := seen[i]; !ok {
			order = append(order, i)
		}
	}

	reordered := make([]EventHit, 0, len(hits))
	for _, idx := range order {
		reordered = append(reordered, hits[idx])
	}
	return reordered
}

// applyRecencyBoost computes final_score = sim × (1 + boost × 0.5^(age/halfLife))
// for candidates at or above the similarity floor. A highly similar old
// memory keeps outranking a barely-similar new one; a merely-plausible new
// memory is never promoted past the floor.
func (s *VectorStore) applyRecencyBoost(hits []EventHit, halfLife time.Duration) {
	minSim := config.DefaultMinSimilarity
	boost := config.DefaultRecencyBoost
	if snap := s.cfg(); snap != nil {
		if snap.Memory.MinSimilarity > 0 {
			minSim = snap.Memory.MinSimilarity
		}
		if snap.Memory.RecencyBoost > 0 {
			boost = snap.Memory.RecencyBoost
		}
	}

	now := s.now()
	for i := range hits {
		hits[i].Score = hits[i].Similarity
		if halfLife <= 0 || hits[i].Similarity < minSim {
			continue
		}
		epoch, err := strconv.ParseInt(hits[i].Metadata["epoch"], 10, 64)
		if err != nil {
			continue
		}
		age := now.Sub(time.Unix(epoch, 0))
		if age < 0 {
			age = 0
		}
		decay := math.Pow(0.5, age.Hours()/halfLife.Hours())
		hits[i].Score = hits[i].Similarity * (1 + boost*decay)
	}
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func truncateHits(hits []EventHit, topK int) []EventHit {
	if topK > 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}
