package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stellarlinkco/chronicler/internal/config"
	"github.com/stellarlinkco/chronicler/internal/memory"
)

// Gateway serves the read-only introspection API: queue depth, event and
// profile search, profile documents and their revision history. Every
// endpoint is a GET; nothing here mutates memory state.
type Gateway struct {
	cfg    config.Getter
	svc    *memory.Service
	server *http.Server
}

func New(cfg config.Getter, svc *memory.Service) *Gateway {
	g := &Gateway{cfg: cfg, svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/memory/events", g.handleEvents)
	mux.HandleFunc("/api/memory/profiles", g.handleProfiles)
	mux.HandleFunc("/api/profile", g.handleProfile)

	snap := cfg()
	addr := net.JoinHostPort(snap.Gateway.Host, strconv.Itoa(snap.Gateway.Port))
	g.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return g
}

// Start serves until the listener fails or Shutdown runs.
func (g *Gateway) Start() error {
	log.Printf("[gateway] listening on %s", g.server.Addr)
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := g.cfg()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":          g.svc.Stats(),
		"memory_enabled": snap.Memory.Enabled,
		"rerank_enabled": snap.Rerank.Enabled,
	})
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	scope := memory.Scope{
		SenderID: r.URL.Query().Get("sender"),
		GroupID:  r.URL.Query().Get("group"),
	}
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "bad from parameter: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "bad to parameter: "+err.Error(), http.StatusBadRequest)
		return
	}

	hits, err := g.svc.SearchEvents(r.Context(), query, scope, from, to)
	if err != nil {
		log.Printf("[gateway] event search error: %v", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (g *Gateway) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}

	hits, err := g.svc.SearchProfiles(r.Context(), query, r.URL.Query().Get("type"))
	if err != nil {
		log.Printf("[gateway] profile search error: %v", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (g *Gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entityType := r.URL.Query().Get("type")
	entityID := r.URL.Query().Get("id")
	if entityType == "" || entityID == "" {
		http.Error(w, "missing type or id parameter", http.StatusBadRequest)
		return
	}

	doc := g.svc.GetProfile(entityType, entityID)
	if doc == nil {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_type":     doc.EntityType,
		"entity_id":       doc.EntityID,
		"name":            doc.Name,
		"tags":            doc.Tags,
		"updated_at":      doc.UpdatedAt,
		"source_event_id": doc.SourceEventID,
		"summary":         doc.Summary,
		"revisions":       g.svc.ProfileRevisions(entityType, entityID),
	})
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(epoch, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("want unix seconds or RFC3339")
	}
	return ts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] encode response error: %v", err)
	}
}
