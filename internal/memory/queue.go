package memory

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// JobQueue is a file-per-job durable mailbox: pending → processing →
// done/failed. Every state transition is an atomic rename, which doubles as
// the claim fence: whichever consumer wins the rename owns the job, no lock
// needed.
type JobQueue struct {
	pendingDir    string
	processingDir string
	failedDir     string
}

func NewJobQueue(basePath string) (*JobQueue, error) {
	q := &JobQueue{
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	log.Printf("[queue] initialized: base=%s", basePath)
	return q, nil
}

// Enqueue writes the job into pending and returns its id. The id embeds the
// request id, the turn-end sequence number and the wall clock so duplicate
// turn-end calls still produce distinct jobs. Local filesystem only.
func (q *JobQueue) Enqueue(job *Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("enqueue: nil job")
	}
	jobID := fmt.Sprintf("%s_%d_%d", job.RequestID, job.Sequence, time.Now().UnixMilli())
	if err := writeJSONAtomic(filepath.Join(q.pendingDir, jobID+".json"), job); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	log.Printf("[queue] enqueued: job_id=%s sender=%s group=%s", jobID, job.SenderID, job.GroupID)
	return jobID, nil
}

// Dequeue claims at most one pending job by renaming it into processing.
// A lost rename race is not an error: the entry is skipped and the next one
// is tried. Returns ok=false when nothing was claimable.
func (q *JobQueue) Dequeue() (string, *Job, bool) {
	names, err := sortedJSONNames(q.pendingDir)
	if err != nil {
		log.Printf("[queue] list pending error: %v", err)
		return "", nil, false
	}

	for _, name := range names {
		src := filepath.Join(q.pendingDir, name)
		dst := filepath.Join(q.processingDir, name)
		if err := os.Rename(src, dst); err != nil {
			continue
		}

		job, err := readJob(dst)
		if err != nil {
			log.Printf("[queue] unreadable job parked: file=%s err=%v", name, err)
			_ = os.Rename(dst, filepath.Join(q.failedDir, name))
			continue
		}

		jobID := strings.TrimSuffix(name, ".json")
		log.Printf("[queue] dequeued: job_id=%s retry_count=%d", jobID, job.RetryCount)
		return jobID, job, true
	}
	return "", nil, false
}

// Complete removes the processing marker. The job is gone for good.
func (q *JobQueue) Complete(jobID string) error {
	path := filepath.Join(q.processingDir, jobID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	log.Printf("[queue] completed: job_id=%s", jobID)
	return nil
}

// Fail either requeues the job with an incremented retry counter (transient
// failure, budget remaining) or parks it in failed with the error attached.
// Parked jobs are never retried automatically but stay inspectable.
func (q *JobQueue) Fail(jobID, errMsg string, retryable bool, maxRetry int) error {
	src := filepath.Join(q.processingDir, jobID+".json")
	job, err := readJob(src)
	if err != nil {
		return fmt.Errorf("fail %s: %w", jobID, err)
	}

	if retryable && job.RetryCount < maxRetry {
		job.RetryCount++
		job.LastError = errMsg
		if err := writeJSONAtomic(src, job); err != nil {
			return fmt.Errorf("fail %s: %w", jobID, err)
		}
		if err := os.Rename(src, filepath.Join(q.pendingDir, jobID+".json")); err != nil {
			return fmt.Errorf("fail %s: requeue: %w", jobID, err)
		}
		log.Printf("[queue] requeued: job_id=%s retry_count=%d err=%s", jobID, job.RetryCount, errMsg)
		return nil
	}

	job.Error = errMsg
	if err := writeJSONAtomic(src, job); err != nil {
		return fmt.Errorf("fail %s: %w", jobID, err)
	}
	if err := os.Rename(src, filepath.Join(q.failedDir, jobID+".json")); err != nil {
		return fmt.Errorf("fail %s: park: %w", jobID, err)
	}
	log.Printf("[queue] parked in failed: job_id=%s retry_count=%d err=%s", jobID, job.RetryCount, errMsg)
	return nil
}

// RecoverStale moves processing entries older than timeout back to pending.
// Run once at startup only: a live worker plus a recovery sweep would race.
func (q *JobQueue) RecoverStale(timeout time.Duration) (int, error) {
	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}

	now := time.Now()
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= timeout {
			continue
		}
		src := filepath.Join(q.processingDir, entry.Name())
		dst := filepath.Join(q.pendingDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			log.Printf("[queue] recover rename failed: file=%s err=%v", entry.Name(), err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Printf("[queue] recovered stale jobs: count=%d timeout=%s", count, timeout)
	}
	return count, nil
}

// RetryFailed is the operator replay path: every parked job goes back to
// pending with its error annotation cleared.
func (q *JobQueue) RetryFailed() (int, error) {
	names, err := sortedJSONNames(q.failedDir)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}

	count := 0
	for _, name := range names {
		src := filepath.Join(q.failedDir, name)
		job, err := readJob(src)
		if err != nil {
			log.Printf("[queue] retry failed skip: file=%s err=%v", name, err)
			continue
		}
		job.Error = ""
		if err := writeJSONAtomic(src, job); err != nil {
			log.Printf("[queue] retry failed rewrite: file=%s err=%v", name, err)
			continue
		}
		if err := os.Rename(src, filepath.Join(q.pendingDir, name)); err != nil {
			log.Printf("[queue] retry failed move: file=%s err=%v", name, err)
			continue
		}
		count++
	}
	log.Printf("[queue] failed jobs requeued: count=%d", count)
	return count, nil
}

// PruneFailed removes parked jobs past maxAge, then trims the area down to
// maxCount oldest-first. Housekeeping only; correctness never depends on it.
func (q *JobQueue) PruneFailed(maxAge time.Duration, maxCount int) int {
	entries, err := os.ReadDir(q.failedDir)
	if err != nil {
		log.Printf("[queue] prune list error: %v", err)
		return 0
	}

	type aged struct {
		name string
		mod  time.Time
	}
	kept := make([]aged, 0, len(entries))
	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
			if os.Remove(filepath.Join(q.failedDir, entry.Name())) == nil {
				removed++
			}
			continue
		}
		kept = append(kept, aged{name: entry.Name(), mod: info.ModTime()})
	}

	if maxCount > 0 && len(kept) > maxCount {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mod.Before(kept[j].mod) })
		for _, item := range kept[:len(kept)-maxCount] {
			if os.Remove(filepath.Join(q.failedDir, item.name)) == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Printf("[queue] pruned failed jobs: count=%d", removed)
	}
	return removed
}

func (q *JobQueue) Stats() QueueStats {
	return QueueStats{
		Pending:    countJSONFiles(q.pendingDir),
		Processing: countJSONFiles(q.processingDir),
		Failed:     countJSONFiles(q.failedDir),
	}
}

func sortedJSONNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func countJSONFiles(dir string) int {
	names, err := sortedJSONNames(dir)
	if err != nil {
		return 0
	}
	return len(names)
}

func readJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	return &job, nil
}

// writeJSONAtomic writes via a temp file in the same directory plus rename,
// so readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace: %w", err)
	}
	return nil
}
