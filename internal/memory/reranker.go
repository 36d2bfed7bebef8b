package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/chronicler/internal/config"
)

// RerankScore maps one candidate index to a normalized relevance score.
type RerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker reorders a candidate set by query relevance. Optional: retrieval
// falls back to raw similarity order when reranking is disabled or fails.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]RerankScore, error)
}

type rerankerClient struct {
	cfg        config.Getter
	httpClient *http.Client
}

func NewReranker(cfg config.Getter) Reranker {
	timeout := time.Duration(config.DefaultRerankTimeoutMs) * time.Millisecond
	if snap := cfg(); snap != nil && snap.Rerank.TimeoutMs > 0 {
		timeout = time.Duration(snap.Rerank.TimeoutMs) * time.Millisecond
	}
	return &rerankerClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResult struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
	Data    []rerankResult `json:"data"`
}

func (c *rerankerClient) Rerank(ctx context.Context, query string, docs []string) ([]RerankScore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("rerank: empty query")
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("rerank: empty docs")
	}

	snap := c.cfg()
	if snap == nil || !snap.Rerank.Enabled {
		return nil, fmt.Errorf("rerank: disabled")
	}
	model := strings.TrimSpace(snap.Rerank.Model)
	if model == "" {
		return nil, fmt.Errorf("rerank: missing model")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(firstNonEmpty(snap.Rerank.BaseURL, snap.Provider.BaseURL)), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("rerank: missing base url")
	}
	apiKey := strings.TrimSpace(firstNonEmpty(snap.Rerank.APIKey, snap.Provider.APIKey))

	payload, err := json.Marshal(rerankRequest{Model: model, Query: query, Documents: docs, TopN: len(docs)})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rerank: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rerank http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded rerankResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	raw := decoded.Results
	if len(raw) == 0 {
		raw = decoded.Data
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rerank: empty results")
	}

	scores := make([]RerankScore, 0, len(raw))
	for _, item := range raw {
		if item.Index < 0 || item.Index >= len(docs) {
			continue
		}
		if item.Score != nil {
			scores = append(scores, RerankScore{Index: item.Index, Score: *item.Score})
		} else if item.RelevanceScore != nil {
			scores = append(scores, RerankScore{Index: item.Index, Score: *item.RelevanceScore})
		}
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("rerank: results missing numeric scores")
	}
	return scores, nil
}
