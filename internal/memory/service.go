package memory

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/stellarlinkco/chronicler/internal/config"
)

// Service is the façade the rest of the process talks to. Write-side calls
// enqueue and return; read-side calls hit the vector and profile stores
// directly. BuildContext never returns an error: memory enriches a reply, it
// must not be able to break one.
type Service struct {
	cfg       config.Getter
	queue     *JobQueue
	vectors   *VectorStore
	profiles  *ProfileStore
	historian *Historian

	profileCache *gocache.Cache
}

// NewService wires the full subsystem under <dataDir>/memory.
func NewService(dataDir string, cfg config.Getter, model ModelClient, embedder Embedder, reranker Reranker) (*Service, error) {
	base := filepath.Join(dataDir, "memory")

	queue, err := NewJobQueue(filepath.Join(base, "queue"))
	if err != nil {
		return nil, fmt.Errorf("memory service: %w", err)
	}
	vectors, err := NewVectorStore(filepath.Join(base, "chroma"), embedder, reranker, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory service: %w", err)
	}
	profiles, err := NewProfileStore(filepath.Join(base, "profiles"))
	if err != nil {
		return nil, fmt.Errorf("memory service: %w", err)
	}

	cacheTTL := config.DefaultProfileCacheTTLSec
	if snap := cfg(); snap != nil && snap.Memory.ProfileCacheTTLSec > 0 {
		cacheTTL = snap.Memory.ProfileCacheTTLSec
	}

	s := &Service{
		cfg:          cfg,
		queue:        queue,
		vectors:      vectors,
		profiles:     profiles,
		historian:    NewHistorian(queue, vectors, profiles, model, cfg),
		profileCache: gocache.New(time.Duration(cacheTTL)*time.Second, time.Minute),
	}
	s.historian.onProfileWrite = func(entityType, entityID string) {
		s.profileCache.Delete(entityType + ":" + entityID)
	}
	return s, nil
}

// Start launches the background worker when the subsystem is enabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.enabled() {
		log.Printf("[memory] disabled, worker not started")
		return nil
	}
	return s.historian.Start(ctx)
}

func (s *Service) Stop() {
	s.historian.Stop()
}

// EnqueueJob persists a turn's observations for asynchronous processing and
// returns immediately. Empty jobs and a disabled subsystem enqueue nothing.
func (s *Service) EnqueueJob(input EnqueueInput) (string, error) {
	if !s.enabled() {
		return "", nil
	}

	observations := make([]string, 0, len(input.Observations))
	for _, obs := range input.Observations {
		if trimmed := strings.TrimSpace(obs); trimmed != "" {
			observations = append(observations, trimmed)
		}
	}
	if len(observations) == 0 {
		return "", nil
	}

	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := time.Now()
	tz := s.timezone()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("[memory] unknown timezone %q, using UTC", tz)
		loc = time.UTC
		tz = "UTC"
	}

	job := &Job{
		RequestID:      requestID,
		Sequence:       input.Sequence,
		ActionNote:     input.ActionNote,
		Observations:   observations,
		SenderID:       input.SenderID,
		GroupID:        input.GroupID,
		RequestType:    input.RequestType,
		SourceMessage:  input.SourceMessage,
		RecentMessages: input.RecentMessages,
		Force:          input.Force,
		TimestampUTC:   now.UTC().Format(time.RFC3339),
		TimestampLocal: now.In(loc).Format(time.RFC3339),
		Timezone:       tz,
	}

	jobID, err := s.queue.Enqueue(job)
	if err != nil {
		return "", fmt.Errorf("enqueue memory job: %w", err)
	}
	log.Printf("[memory] job enqueued: job_id=%s observations=%d", jobID, len(observations))
	return jobID, nil
}

// BuildContext assembles the memory block injected into a reply prompt: the
// scoped profile summary plus the top recent-and-relevant events. Every
// failure degrades to less context, never to an error.
func (s *Service) BuildContext(ctx context.Context, query string, scope Scope) string {
	if !s.enabled() {
		return ""
	}

	var sections []string

	if scope.SenderID != "" {
		if doc := s.cachedProfile("user", scope.SenderID); doc != nil && doc.Summary != "" {
			sections = append(sections, "## Sender profile\n"+doc.Summary)
		}
	}
	if scope.GroupID != "" {
		if doc := s.cachedProfile("group", scope.GroupID); doc != nil && doc.Summary != "" {
			sections = append(sections, "## Group profile\n"+doc.Summary)
		}
	}

	if strings.TrimSpace(query) != "" {
		mem := s.memCfg()
		hits, err := s.vectors.QueryEvents(ctx, query, QueryOptions{
			TopK:     mem.AutoTopK,
			Where:    scopeWhere(scope),
			HalfLife: time.Duration(mem.HalfLifeAutoHours * float64(time.Hour)),
		})
		if err != nil {
			log.Printf("[memory] context retrieval failed: %v", err)
		} else if len(hits) > 0 {
			lines := make([]string, 0, len(hits))
			for _, hit := range hits {
				lines = append(lines, fmt.Sprintf("- [%s] %s", hit.Timestamp, hit.Text))
			}
			sections = append(sections, "## Related memories\n"+strings.Join(lines, "\n"))
		}
	}

	return strings.Join(sections, "\n\n")
}

// SearchEvents is the explicit recall operation, e.g. behind a search tool
// or the gateway. It uses the wider search half-life so old-but-relevant
// memories stay reachable.
func (s *Service) SearchEvents(ctx context.Context, query string, scope Scope, from, to time.Time) ([]EventHit, error) {
	if !s.enabled() {
		return nil, nil
	}
	mem := s.memCfg()
	return s.vectors.QueryEvents(ctx, query, QueryOptions{
		TopK:     mem.SearchTopK,
		Where:    scopeWhere(scope),
		TimeFrom: from,
		TimeTo:   to,
		HalfLife: time.Duration(mem.HalfLifeSearchHours * float64(time.Hour)),
	})
}

// SearchProfiles finds entities by what their summaries say.
func (s *Service) SearchProfiles(ctx context.Context, query string, entityType string) ([]EventHit, error) {
	if !s.enabled() {
		return nil, nil
	}
	var where map[string]string
	if entityType != "" {
		where = map[string]string{"entity_type": entityType}
	}
	return s.vectors.QueryProfiles(ctx, query, QueryOptions{
		TopK:  s.memCfg().SearchTopK,
		Where: where,
	})
}

// GetProfile returns the live document for one entity, or nil when absent.
func (s *Service) GetProfile(entityType, entityID string) *ProfileDoc {
	return s.profiles.Read(entityType, entityID)
}

// ProfileRevisions lists snapshot names for one entity, oldest first.
func (s *Service) ProfileRevisions(entityType, entityID string) []string {
	return s.profiles.Revisions(entityType, entityID)
}

// RestoreProfile rolls the live document back to a named snapshot.
func (s *Service) RestoreProfile(entityType, entityID, revision string) error {
	if err := s.profiles.Restore(entityType, entityID, revision, s.memCfg().ProfileRevisions); err != nil {
		return err
	}
	s.profileCache.Delete(entityType + ":" + entityID)
	return nil
}

// Stats reports queue depth per area.
func (s *Service) Stats() QueueStats {
	return s.queue.Stats()
}

// RetryFailed moves every parked job back to pending.
func (s *Service) RetryFailed() (int, error) {
	return s.queue.RetryFailed()
}

// PruneFailed applies the failed-area retention policy. Wired to the cron
// housekeeping schedule.
func (s *Service) PruneFailed() int {
	mem := s.memCfg()
	return s.queue.PruneFailed(time.Duration(mem.FailedMaxAgeDays)*24*time.Hour, mem.FailedMaxFiles)
}

func (s *Service) cachedProfile(entityType, entityID string) *ProfileDoc {
	key := entityType + ":" + entityID
	if cached, ok := s.profileCache.Get(key); ok {
		doc, _ := cached.(*ProfileDoc)
		return doc
	}
	doc := s.profiles.Read(entityType, entityID)
	s.profileCache.SetDefault(key, doc)
	return doc
}

func (s *Service) enabled() bool {
	snap := s.cfg()
	return snap != nil && snap.Memory.Enabled
}

func (s *Service) memCfg() config.MemoryConfig {
	if snap := s.cfg(); snap != nil {
		return snap.Memory
	}
	return config.DefaultConfig().Memory
}

func (s *Service) timezone() string {
	if tz := s.memCfg().Timezone; tz != "" {
		return tz
	}
	return config.DefaultTimezone
}

// scopeWhere builds the hard metadata filter for event retrieval. Group
// conversations read the group perspective; direct ones read the sender's
// events across every conversation they appeared in.
func scopeWhere(scope Scope) map[string]string {
	if scope.GroupID != "" {
		return map[string]string{"group_id": scope.GroupID, "perspective": "group"}
	}
	if scope.SenderID != "" {
		return map[string]string{"user_id": scope.SenderID, "perspective": "sender"}
	}
	return nil
}
