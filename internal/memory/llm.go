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

const rewritePromptTemplate = `You are a memory historian. Rewrite the observations below into context-free,
globally-referenceable statements.

Rules:
1. Replace every first/second-person pronoun with the explicit participant id
2. Replace every relative time expression with an absolute timestamp derived
   from the local time given below
3. Replace every relative place expression with an explicit location name
4. Keep facts exactly as stated, merge into one coherent paragraph
5. Output plain text only, no markdown, no commentary
%s

Local time: %s (timezone %s)
Sender id: %s
Group id: %s
Request type: %s

Action note:
%s

Triggering message:
%s

Recent messages:
%s

Observations:
%s`

const mergePromptTemplate = `You decide whether newly learned facts belong in a standing profile.

A profile only holds durable, multi-turn-stable characteristics: interests,
skills, preferences, relationships, long-running projects. One-off incidents,
numeric measurements and timestamp-bound happenings must be skipped.

Call update_profile exactly once. Set skip=true when nothing durable remains.
Target only the entity the facts are about; never another one.

Candidate entity type: %s
Candidate entity id: %s

Current profile:
%s

Normalized statement:
%s`

// profileTool is the fixed-field contract for the merge step: model output
// is a data payload, never prose to reparse.
var profileTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "update_profile",
		"description": "Merge durable facts into an entity profile, or skip",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skip":        map[string]any{"type": "boolean", "description": "true when nothing durable should be merged"},
				"entity_type": map[string]any{"type": "string", "enum": []string{"user", "group"}},
				"entity_id":   map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string", "description": "display name for the entity"},
				"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"summary":     map[string]any{"type": "string", "description": "full replacement profile body (Markdown)"},
			},
			"required": []string{"skip", "entity_type", "entity_id"},
		},
	},
}

// ModelClient covers the two historian model calls.
type ModelClient interface {
	Rewrite(ctx context.Context, job *Job, offending []string) (string, error)
	MergeProfile(ctx context.Context, entityType, entityID, currentProfile, canonical string) (*MergeDecision, error)
}

type modelClient struct {
	cfg        config.Getter
	httpClient *http.Client
}

func NewModelClient(cfg config.Getter) ModelClient {
	timeout := time.Duration(config.DefaultModelTimeoutMs) * time.Millisecond
	if snap := cfg(); snap != nil && snap.Provider.TimeoutMs > 0 {
		timeout = time.Duration(snap.Provider.TimeoutMs) * time.Millisecond
	}
	return &modelClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *modelClient) Rewrite(ctx context.Context, job *Job, offending []string) (string, error) {
	retryNote := ""
	if len(offending) > 0 {
		retryNote = fmt.Sprintf("6. Your previous attempt still contained these disallowed tokens, remove them: %s",
			strings.Join(offending, ", "))
	}
	prompt := fmt.Sprintf(rewritePromptTemplate,
		retryNote,
		job.TimestampLocal,
		job.Timezone,
		job.SenderID,
		job.GroupID,
		job.RequestType,
		job.ActionNote,
		job.SourceMessage,
		strings.Join(job.RecentMessages, "\n"),
		strings.Join(job.Observations, "\n"),
	)

	body := map[string]any{
		"model": c.model(),
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens(),
		"temperature": 0.2,
	}

	resp, err := c.send(ctx, body)
	if err != nil {
		return "", fmt.Errorf("rewrite: %w", err)
	}
	content := strings.TrimSpace(resp.content)
	if content == "" {
		return "", fmt.Errorf("rewrite: empty model output")
	}
	return content, nil
}

func (c *modelClient) MergeProfile(ctx context.Context, entityType, entityID, currentProfile, canonical string) (*MergeDecision, error) {
	if strings.TrimSpace(currentProfile) == "" {
		currentProfile = "(no profile yet)"
	}
	prompt := fmt.Sprintf(mergePromptTemplate, entityType, entityID, currentProfile, canonical)

	body := map[string]any{
		"model": c.model(),
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens(),
		"temperature": 0.2,
		"tools":       []any{profileTool},
		"tool_choice": map[string]any{
			"type":     "function",
			"function": map[string]string{"name": "update_profile"},
		},
	}

	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("merge profile: %w", err)
	}
	if resp.toolArguments == "" {
		return nil, fmt.Errorf("merge profile: model returned no tool call")
	}

	var decision MergeDecision
	if err := json.Unmarshal([]byte(resp.toolArguments), &decision); err != nil {
		return nil, fmt.Errorf("merge profile: parse tool arguments: %w", err)
	}
	return &decision, nil
}

func (c *modelClient) model() string {
	if snap := c.cfg(); snap != nil && snap.Provider.Model != "" {
		return snap.Provider.Model
	}
	return config.DefaultModel
}

func (c *modelClient) maxTokens() int {
	if snap := c.cfg(); snap != nil && snap.Provider.MaxTokens > 0 {
		return snap.Provider.MaxTokens
	}
	return config.DefaultMaxTokens
}

type chatResult struct {
	content       string
	toolArguments string
}

func (c *modelClient) send(ctx context.Context, body map[string]any) (*chatResult, error) {
	snap := c.cfg()
	if snap == nil {
		return nil, fmt.Errorf("missing config")
	}
	apiKey := strings.TrimSpace(snap.Provider.APIKey)
	baseURL := strings.TrimRight(strings.TrimSpace(snap.Provider.BaseURL), "/")
	if apiKey == "" {
		return nil, fmt.Errorf("missing model api key")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("missing model base url")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	result := &chatResult{content: decoded.Choices[0].Message.Content}
	for _, call := range decoded.Choices[0].Message.ToolCalls {
		if call.Function.Name == "update_profile" {
			result.toolArguments = call.Function.Arguments
			break
		}
	}
	return result, nil
}
