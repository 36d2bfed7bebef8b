package memory

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/chronicler/internal/config"
)

// Historian is the single background consumer: it polls the queue,
// normalizes observations through the model, indexes the result and
// conditionally folds durable facts into entity profiles. Jobs are handled
// strictly one at a time; the queue's rename claim fences any additional
// consumer.
type Historian struct {
	queue    *JobQueue
	vectors  *VectorStore
	profiles *ProfileStore
	model    ModelClient
	cfg      config.Getter

	// Invoked after every successful profile write so read-side caches can
	// drop the stale copy. Optional.
	onProfileWrite func(entityType, entityID string)

	mu      sync.Mutex
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	started bool
}

func NewHistorian(queue *JobQueue, vectors *VectorStore, profiles *ProfileStore, model ModelClient, cfg config.Getter) *Historian {
	return &Historian{
		queue:    queue,
		vectors:  vectors,
		profiles: profiles,
		model:    model,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start recovers stale claims from a previous crash, then launches the poll
// loop. Recovery runs exactly once, before the worker goes live, so it can
// never race an in-flight job.
func (h *Historian) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	staleTimeout := time.Duration(h.memCfg().StaleTimeoutMinutes) * time.Minute
	if _, err := h.queue.RecoverStale(staleTimeout); err != nil {
		return fmt.Errorf("historian start: %w", err)
	}

	h.stopWg.Add(1)
	go func() {
		defer h.stopWg.Done()
		h.pollLoop(ctx)
	}()
	log.Printf("[historian] started")
	return nil
}

func (h *Historian) Stop() {
	h.mu.Lock()
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.mu.Unlock()
	h.stopWg.Wait()
	log.Printf("[historian] stopped")
}

func (h *Historian) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		default:
		}

		jobID, job, ok := h.queue.Dequeue()
		if ok {
			h.handle(ctx, jobID, job)
			continue
		}

		interval := time.Duration(h.memCfg().PollIntervalMs) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (h *Historian) handle(ctx context.Context, jobID string, job *Job) {
	if err := h.process(ctx, jobID, job); err != nil {
		log.Printf("[historian] job failed: job_id=%s err=%v", jobID, err)
		if failErr := h.queue.Fail(jobID, err.Error(), true, h.memCfg().JobMaxRetry); failErr != nil {
			log.Printf("[historian] fail transition error: job_id=%s err=%v", jobID, failErr)
		}
		return
	}
	if err := h.queue.Complete(jobID); err != nil {
		log.Printf("[historian] complete error: job_id=%s err=%v", jobID, err)
	}
}

// process runs one job end to end: rewrite → validate → (degrade) → index
// per perspective → conditional profile merge. Any returned error means the
// whole job retries as a unit; no partial state is left behind thanks to
// idempotent upserts.
func (h *Historian) process(ctx context.Context, jobID string, job *Job) error {
	if len(job.Observations) == 0 {
		log.Printf("[historian] empty job completed: job_id=%s", jobID)
		return nil
	}

	canonical, isAbsolute, err := h.rewriteWithRetry(ctx, job)
	if err != nil {
		return err
	}
	if !isAbsolute {
		if job.Force {
			// The force flag bypasses the validation gate outright.
			log.Printf("[historian] validation gate bypassed by force flag: job_id=%s offending=%v", jobID, OffendingTokens(canonical))
			isAbsolute = true
		} else {
			log.Printf("[historian] degraded write: job_id=%s offending=%v", jobID, OffendingTokens(canonical))
		}
	}

	if err := h.indexPerspectives(ctx, jobID, job, canonical, isAbsolute); err != nil {
		return err
	}

	h.mergeProfile(ctx, jobID, job, canonical)
	return nil
}

func (h *Historian) rewriteWithRetry(ctx context.Context, job *Job) (string, bool, error) {
	maxRetry := h.memCfg().RewriteMaxRetry

	canonical, err := h.model.Rewrite(ctx, job, nil)
	if err != nil {
		return "", false, fmt.Errorf("rewrite: %w", err)
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		offending := OffendingTokens(canonical)
		if len(offending) == 0 {
			return canonical, true, nil
		}
		next, err := h.model.Rewrite(ctx, job, offending)
		if err != nil {
			return "", false, fmt.Errorf("rewrite retry %d: %w", attempt+1, err)
		}
		canonical = next
	}

	return canonical, IsNormalized(canonical), nil
}

// indexPerspectives writes one event per applicable viewpoint: the group's
// and the sending user's. Event ids derive from the job id so reprocessing
// overwrites instead of duplicating.
func (h *Historian) indexPerspectives(ctx context.Context, jobID string, job *Job, canonical string, isAbsolute bool) error {
	type perspective struct {
		id  string
		tag string
	}
	perspectives := make([]perspective, 0, 2)
	if job.GroupID != "" {
		perspectives = append(perspectives, perspective{id: jobID, tag: "group"})
	}
	if job.SenderID != "" {
		tag := "sender"
		id := jobID + ":sender"
		if job.GroupID == "" {
			id = jobID
		}
		perspectives = append(perspectives, perspective{id: id, tag: tag})
	}
	if len(perspectives) == 0 {
		perspectives = append(perspectives, perspective{id: jobID, tag: "group"})
	}

	for _, p := range perspectives {
		metadata := h.eventMetadata(job, p.tag, isAbsolute)
		if err := h.vectors.UpsertEvent(ctx, p.id, canonical, metadata); err != nil {
			return fmt.Errorf("index event %s: %w", p.id, err)
		}
	}
	return nil
}

func (h *Historian) eventMetadata(job *Job, perspective string, isAbsolute bool) map[string]string {
	epoch := ""
	if ts, err := time.Parse(time.RFC3339, job.TimestampUTC); err == nil {
		epoch = strconv.FormatInt(ts.Unix(), 10)
	}
	return map[string]string{
		"user_id":         job.SenderID,
		"sender_id":       job.SenderID,
		"group_id":        job.GroupID,
		"request_type":    job.RequestType,
		"perspective":     perspective,
		"timestamp_utc":   job.TimestampUTC,
		"timestamp_local": job.TimestampLocal,
		"epoch":           epoch,
		"is_absolute":     strconv.FormatBool(isAbsolute),
		"schema_version":  eventSchemaVersion,
	}
}

// mergeProfile asks the model whether the canonical statement carries a
// durable fact. Every failure here is non-fatal: the event is already
// indexed, so a broken merge only costs this one profile update.
func (h *Historian) mergeProfile(ctx context.Context, jobID string, job *Job, canonical string) {
	entityType := "user"
	entityID := job.SenderID
	if job.GroupID != "" {
		entityType = "group"
		entityID = job.GroupID
	}
	if entityID == "" {
		return
	}

	current := ""
	if doc := h.profiles.Read(entityType, entityID); doc != nil {
		current = doc.Summary
	}

	decision, err := h.model.MergeProfile(ctx, entityType, entityID, current, canonical)
	if err != nil {
		log.Printf("[historian] profile merge skipped: job_id=%s err=%v", jobID, err)
		return
	}
	if decision.Skip {
		log.Printf("[historian] profile merge declined by model: job_id=%s", jobID)
		return
	}
	// The model may only mutate an entity this job belongs to, no matter
	// what its free text mentions.
	inScope := (decision.EntityType == "user" && decision.EntityID == job.SenderID && job.SenderID != "") ||
		(decision.EntityType == "group" && decision.EntityID == job.GroupID && job.GroupID != "")
	if !inScope {
		log.Printf("[historian] profile merge rejected, out-of-scope target: job_id=%s got=%s:%s",
			jobID, decision.EntityType, decision.EntityID)
		return
	}
	if strings.TrimSpace(decision.Summary) == "" {
		log.Printf("[historian] profile merge rejected, empty summary: job_id=%s", jobID)
		return
	}

	doc := &ProfileDoc{
		EntityType:    decision.EntityType,
		EntityID:      decision.EntityID,
		Name:          decision.Name,
		Tags:          decision.Tags,
		UpdatedAt:     time.Now().UTC(),
		SourceEventID: jobID,
		Summary:       decision.Summary,
	}
	if err := h.profiles.Write(decision.EntityType, decision.EntityID, doc, h.memCfg().ProfileRevisions); err != nil {
		log.Printf("[historian] profile write failed: job_id=%s err=%v", jobID, err)
		return
	}
	if h.onProfileWrite != nil {
		h.onProfileWrite(decision.EntityType, decision.EntityID)
	}

	profileMeta := map[string]string{
		"entity_type": decision.EntityType,
		"entity_id":   decision.EntityID,
		"name":        decision.Name,
	}
	if err := h.vectors.UpsertProfile(ctx, decision.EntityType+":"+decision.EntityID, decision.Summary, profileMeta); err != nil {
		log.Printf("[historian] profile index failed: job_id=%s err=%v", jobID, err)
	}
}

func (h *Historian) memCfg() config.MemoryConfig {
	if snap := h.cfg(); snap != nil {
		return snap.Memory
	}
	return config.DefaultConfig().Memory
}
