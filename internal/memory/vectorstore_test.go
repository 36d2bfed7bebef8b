package memory

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func newTestVectorStore(t *testing.T, embedder Embedder, reranker Reranker) *VectorStore {
	t.Helper()
	s, err := NewVectorStore(t.TempDir(), embedder, reranker, testConfig(nil))
	if err != nil {
		t.Fatalf("NewVectorStore error: %v", err)
	}
	return s
}

func eventMeta(groupID, epoch string) map[string]string {
	return map[string]string{
		"group_id":       groupID,
		"perspective":    "group",
		"epoch":          epoch,
		"is_absolute":    "true",
		"schema_version": eventSchemaVersion,
	}
}

func TestVectorStoreUpsertIsIdempotent(t *testing.T) {
	embedder := newStubEmbedder()
	s := newTestVectorStore(t, embedder, nil)
	ctx := context.Background()

	if err := s.UpsertEvent(ctx, "e1", "Alice bought a laptop on 2026-01-05.", eventMeta("g1", "100")); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}
	if err := s.UpsertEvent(ctx, "e1", "Alice bought a MacBook on 2026-01-05.", eventMeta("g1", "100")); err != nil {
		t.Fatalf("second UpsertEvent error: %v", err)
	}

	if count := s.events.Count(); count != 1 {
		t.Fatalf("event count=%d, want 1", count)
	}

	hits, err := s.QueryEvents(ctx, "Alice bought a MacBook on 2026-01-05.", QueryOptions{TopK: 5})
	if err != nil {
		t.Fatalf("QueryEvents error: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "Alice bought a MacBook on 2026-01-05." {
		t.Fatalf("hits=%+v", hits)
	}
}

func TestVectorStoreUpsertRejectsEmptyID(t *testing.T) {
	s := newTestVectorStore(t, newStubEmbedder(), nil)
	if err := s.UpsertEvent(context.Background(), "", "text", nil); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestVectorStoreScopedQueryIsolation(t *testing.T) {
	embedder := newStubEmbedder()
	embedder.set("shared fact", []float32{1, 0, 0, 0})
	embedder.set("group one fact", []float32{1, 0.1, 0, 0})
	embedder.set("group two fact", []float32{1, 0, 0.1, 0})
	s := newTestVectorStore(t, embedder, nil)
	ctx := context.Background()

	if err := s.UpsertEvent(ctx, "e1", "group one fact", eventMeta("g1", "100")); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}
	if err := s.UpsertEvent(ctx, "e2", "group two fact", eventMeta("g2", "100")); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}

	hits, err := s.QueryEvents(ctx, "shared fact", QueryOptions{
		TopK:  10,
		Where: map[string]string{"group_id": "g1"},
	})
	if err != nil {
		t.Fatalf("QueryEvents error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits=%d, want 1", len(hits))
	}
	if hits[0].ID != "e1" {
		t.Fatalf("hit id=%s, want e1", hits[0].ID)
	}
}

func TestVectorStoreTimeDecayMonotonicity(t *testing.T) {
	embedder := newStubEmbedder()
	text := "Alice mentioned the Kyoto trip."
	embedder.set(text, []float32{1, 0, 0, 0})
	s := newTestVectorStore(t, embedder, nil)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	oldEpoch := strconv.FormatInt(now.Add(-30*24*time.Hour).Unix(), 10)
	newEpoch := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	if err := s.UpsertEvent(ctx, "old", text, eventMeta("g1", oldEpoch)); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}
	if err := s.UpsertEvent(ctx, "new", text, eventMeta("g1", newEpoch)); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}

	hits, err := s.QueryEvents(ctx, text, QueryOptions{TopK: 2, HalfLife: 72 * time.Hour})
	if err != nil {
		t.Fatalf("QueryEvents error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits=%d, want 2", len(hits))
	}
	if hits[0].ID != "new" {
		t.Fatalf("ranking=[%s %s], want new first", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores new=%v old=%v, want strictly greater", hits[0].Score, hits[1].Score)
	}
}

func TestVectorStoreBoostSkippedBelowThreshold(t *testing.T) {
	embedder := newStubEmbedder()
	embedder.set("query topic", []float32{1, 0, 0, 0})
	// Similarity to the query is ~0.2, below the default 0.35 floor.
	embedder.set("barely related", []float32{0.2, 1, 0, 0})
	s := newTestVectorStore(t, embedder, nil)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	epoch := strconv.FormatInt(now.Unix(), 10)
	if err := s.UpsertEvent(ctx, "weak", "barely related", eventMeta("g1", epoch)); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}

	hits, err := s.QueryEvents(ctx, "query topic", QueryOptions{TopK: 5, HalfLife: 72 * time.Hour})
	if err != nil {
		t.Fatalf("QueryEvents error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits=%d, want 1", len(hits))
	}
	if hits[0].Score != hits[0].Similarity {
		t.Fatalf("score=%v similarity=%v, want no boost below floor", hits[0].Score, hits[0].Similarity)
	}
}

func TestVectorStoreTimeRangeFilter(t *testing.T) {
	embedder := newStubEmbedder()
	text := "Bob deployed the new release."
	embedder.set(text, []float32{0, 1, 0, 0})
	s := newTestVectorStore(t, embedder, nil)
	ctx := context.Background()

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpsertEvent(ctx, "early", text, eventMeta("g1", strconv.FormatInt(early.Unix(), 10))); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}
	if err := s.UpsertEvent(ctx, "late", text, eventMeta("g1", strconv.FormatInt(late.Unix(), 10))); err != nil {
		t.Fatalf("UpsertEvent error: %v", err)
	}

	t.Run("window excludes outsiders", func(t *testing.T) {
		hits, err := s.QueryEvents(ctx, text, QueryOptions{
			TopK:     10,
			TimeFrom: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			TimeTo:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != "late" {
			t.Fatalf("hits=%+v, want only late", hits)
		}
	})

	t.Run("window beats similarity crowding", func(t *testing.T) {
		embedder := newStubEmbedder()
		embedder.set("release query", []float32{1, 0, 0, 0})
		// Four near-identical candidates outside the window would fill the
		// over-fetch pool on similarity alone.
		for i := 0; i < 4; i++ {
			embedder.set("old release note "+strconv.Itoa(i), []float32{1, 0.01 * float32(i+1), 0, 0})
		}
		embedder.set("recent release note", []float32{0.8, 0.6, 0, 0})
		s := newTestVectorStore(t, embedder, nil)

		outside := strconv.FormatInt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), 10)
		inside := strconv.FormatInt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix(), 10)
		for i := 0; i < 4; i++ {
			id := "out" + strconv.Itoa(i)
			if err := s.UpsertEvent(ctx, id, "old release note "+strconv.Itoa(i), eventMeta("g1", outside)); err != nil {
				t.Fatalf("UpsertEvent error: %v", err)
			}
		}
		if err := s.UpsertEvent(ctx, "in", "recent release note", eventMeta("g1", inside)); err != nil {
			t.Fatalf("UpsertEvent error: %v", err)
		}

		hits, err := s.QueryEvents(ctx, "release query", QueryOptions{
			TopK:     1,
			TimeFrom: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			TimeTo:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != "in" {
			t.Fatalf("hits=%+v, want the in-window event despite stronger out-of-window matches", hits)
		}
	})

	t.Run("inverted range is swapped", func(t *testing.T) {
		hits, err := s.QueryEvents(ctx, text, QueryOptions{
			TopK:     10,
			TimeFrom: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			TimeTo:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != "late" {
			t.Fatalf("hits=%+v, want swapped range to match late", hits)
		}
	})
}

func TestVectorStoreTruncatesToTopK(t *testing.T) {
	embedder := newStubEmbedder()
	s := newTestVectorStore(t, embedder, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		id := "e" + strconv.Itoa(i)
		if err := s.UpsertEvent(ctx, id, "fact number "+strconv.Itoa(i), eventMeta("g1", "100")); err != nil {
			t.Fatalf("UpsertEvent error: %v", err)
		}
	}

	hits, err := s.QueryEvents(ctx, "fact number 3", QueryOptions{TopK: 3})
	if err != nil {
		t.Fatalf("QueryEvents error: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits=%d, want 3", len(hits))
	}
}

func TestVectorStoreRerankerGating(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T, s *VectorStore) {
		t.Helper()
		for i := 0; i < 4; i++ {
			id := "e" + strconv.Itoa(i)
			if err := s.UpsertEvent(ctx, id, "entry "+strconv.Itoa(i), eventMeta("g1", "100")); err != nil {
				t.Fatalf("UpsertEvent error: %v", err)
			}
		}
	}

	t.Run("runs at sufficient multiplier", func(t *testing.T) {
		reranker := &stubReranker{}
		s := newTestVectorStore(t, newStubEmbedder(), reranker)
		seed(t, s)
		if _, err := s.QueryEvents(ctx, "entry 0", QueryOptions{TopK: 2}); err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if reranker.calls != 1 {
			t.Fatalf("reranker calls=%d, want 1", reranker.calls)
		}
	})

	t.Run("skipped below 2x multiplier", func(t *testing.T) {
		reranker := &stubReranker{}
		embedder := newStubEmbedder()
		cfg := testConfig(nil)
		cfg().Memory.CandidateMultiplier = 1
		s, err := NewVectorStore(t.TempDir(), embedder, reranker, cfg)
		if err != nil {
			t.Fatalf("NewVectorStore error: %v", err)
		}
		seed(t, s)
		if _, err := s.QueryEvents(ctx, "entry 0", QueryOptions{TopK: 2}); err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if reranker.calls != 0 {
			t.Fatalf("reranker calls=%d, want 0", reranker.calls)
		}
	})

	t.Run("rerank failure falls back to similarity", func(t *testing.T) {
		reranker := &stubReranker{err: context.DeadlineExceeded}
		s := newTestVectorStore(t, newStubEmbedder(), reranker)
		seed(t, s)
		hits, err := s.QueryEvents(ctx, "entry 0", QueryOptions{TopK: 2})
		if err != nil {
			t.Fatalf("QueryEvents error: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("hits=%d, want 2", len(hits))
		}
	})
}

func TestVectorStoreQueryProfilesNoBoost(t *testing.T) {
	embedder := newStubEmbedder()
	s := newTestVectorStore(t, embedder, nil)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, "user:42", "Alice maintains Go projects.", map[string]string{"entity_type": "user"}); err != nil {
		t.Fatalf("UpsertProfile error: %v", err)
	}

	hits, err := s.QueryProfiles(ctx, "Alice maintains Go projects.", QueryOptions{TopK: 5})
	if err != nil {
		t.Fatalf("QueryProfiles error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits=%d, want 1", len(hits))
	}
	if hits[0].Score != hits[0].Similarity {
		t.Fatalf("profile score=%v similarity=%v, want equal", hits[0].Score, hits[0].Similarity)
	}
}

func TestVectorStoreEmbedderFailurePropagates(t *testing.T) {
	s := newTestVectorStore(t, errEmbedder{}, nil)
	if err := s.UpsertEvent(context.Background(), "e1", "text", nil); err == nil {
		t.Fatal("expected embed failure to propagate")
	}
}
