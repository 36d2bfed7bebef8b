package memory

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileStore keeps one Markdown + YAML-frontmatter document per entity at
// <base>/{entity_type}s/{entity_id}.md, with timestamped snapshots under
// <base>/history/{entity_type}/{entity_id}/. Reads are lockless; writes to
// the same entity are serialized by a per-entity mutex and land via atomic
// replace.
type ProfileStore struct {
	base string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewProfileStore(basePath string) (*ProfileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	return &ProfileStore{
		base:  basePath,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *ProfileStore) entityLock(entityType, entityID string) *sync.Mutex {
	key := entityType + ":" + entityID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *ProfileStore) profilePath(entityType, entityID string) string {
	return filepath.Join(s.base, entityType+"s", entityID+".md")
}

func (s *ProfileStore) historyDir(entityType, entityID string) string {
	return filepath.Join(s.base, "history", entityType, entityID)
}

// Read returns the live document, or nil when absent. A corrupt document is
// logged and reported as absent so a bad write never breaks the live path.
func (s *ProfileStore) Read(entityType, entityID string) *ProfileDoc {
	data, err := os.ReadFile(s.profilePath(entityType, entityID))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[profile] read error: entity=%s:%s err=%v", entityType, entityID, err)
		}
		return nil
	}
	doc, err := ParseProfile(string(data))
	if err != nil {
		log.Printf("[profile] corrupt document treated as absent: entity=%s:%s err=%v", entityType, entityID, err)
		return nil
	}
	return doc
}

// Write replaces the live document. The previous version is snapshotted into
// history first and history is pruned down to revisionKeep entries.
func (s *ProfileStore) Write(entityType, entityID string, doc *ProfileDoc, revisionKeep int) error {
	if entityType == "" || entityID == "" {
		return fmt.Errorf("write profile: empty entity key")
	}
	lock := s.entityLock(entityType, entityID)
	lock.Lock()
	defer lock.Unlock()

	path := s.profilePath(entityType, entityID)
	histDir := s.historyDir(entityType, entityID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if err := os.MkdirAll(histDir, 0755); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}

	if current, err := os.ReadFile(path); err == nil {
		snapshot := filepath.Join(histDir, time.Now().UTC().Format("20060102150405.000000000")+".md")
		if err := os.WriteFile(snapshot, current, 0644); err != nil {
			return fmt.Errorf("write profile snapshot: %w", err)
		}
	}

	rendered, err := RenderProfile(doc)
	if err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if err := writeFileAtomic(path, []byte(rendered)); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}

	s.pruneHistory(histDir, revisionKeep)
	log.Printf("[profile] written: entity=%s:%s", entityType, entityID)
	return nil
}

func (s *ProfileStore) pruneHistory(histDir string, keep int) {
	if keep <= 0 {
		return
	}
	names, err := sortedMarkdownNames(histDir)
	if err != nil {
		return
	}
	for _, name := range names[:max(0, len(names)-keep)] {
		if err := os.Remove(filepath.Join(histDir, name)); err != nil {
			log.Printf("[profile] prune snapshot failed: file=%s err=%v", name, err)
		}
	}
}

// Revisions lists snapshot names for one entity, oldest first.
func (s *ProfileStore) Revisions(entityType, entityID string) []string {
	names, err := sortedMarkdownNames(s.historyDir(entityType, entityID))
	if err != nil {
		return nil
	}
	return names
}

// Restore copies one snapshot back over the live document. The current
// document is itself snapshotted first, so a restore is also undoable.
func (s *ProfileStore) Restore(entityType, entityID, revision string, revisionKeep int) error {
	data, err := os.ReadFile(filepath.Join(s.historyDir(entityType, entityID), revision))
	if err != nil {
		return fmt.Errorf("restore profile: %w", err)
	}
	doc, err := ParseProfile(string(data))
	if err != nil {
		return fmt.Errorf("restore profile: %w", err)
	}
	return s.Write(entityType, entityID, doc, revisionKeep)
}

// ParseProfile decodes a frontmatter document, tolerating a ```markdown
// fence wrapper the model sometimes emits.
func ParseProfile(content string) (*ProfileDoc, error) {
	stripped := stripMarkdownFence(strings.TrimSpace(content))
	if !strings.HasPrefix(stripped, "---\n") {
		return nil, fmt.Errorf("parse profile: missing frontmatter")
	}
	rest := stripped[len("---\n"):]
	sep := strings.Index(rest, "\n---")
	if sep < 0 {
		return nil, fmt.Errorf("parse profile: unterminated frontmatter")
	}

	var doc ProfileDoc
	if err := yaml.Unmarshal([]byte(rest[:sep]), &doc); err != nil {
		return nil, fmt.Errorf("parse profile frontmatter: %w", err)
	}
	if doc.EntityType == "" || doc.EntityID == "" {
		return nil, fmt.Errorf("parse profile: missing entity key in frontmatter")
	}

	body := rest[sep+len("\n---"):]
	doc.Summary = strings.TrimSpace(strings.TrimPrefix(body, "\n"))
	return &doc, nil
}

// RenderProfile serializes a document as frontmatter + summary body.
func RenderProfile(doc *ProfileDoc) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("render profile: nil document")
	}
	frontmatter, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render profile frontmatter: %w", err)
	}
	return "---\n" + string(frontmatter) + "---\n" + doc.Summary + "\n", nil
}

func stripMarkdownFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	end := -1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	if end <= 0 {
		return content
	}
	return strings.Join(lines[1:end], "\n")
}

func sortedMarkdownNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func writeFileAtomic(path string, data []byte) error {
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
