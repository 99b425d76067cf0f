package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaClient talks to a local Ollama server, for deployments that keep
// generation off hosted APIs.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient constructs a backend against baseURL (defaults to the
// standard local port).
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model required")
	}
	return &OllamaClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
	}, nil
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	TopK        int     `json:"top_k"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	Error           string `json:"error"`
}

// GenerateText performs one non-streamed /api/generate call.
func (c *OllamaClient) GenerateText(ctx context.Context, prompt string, opts Options) (Result, error) {
	opts = opts.withDefaults(c.model)
	start := time.Now()
	resp, err := c.post(ctx, buildOllamaRequest(prompt, opts, false))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &APIError{Kind: KindInternal, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return Result{
		Text:       out.Response,
		TokensUsed: out.PromptEvalCount + out.EvalCount,
		Model:      opts.Model,
		Elapsed:    time.Since(start),
	}, nil
}

// StreamText performs a streamed /api/generate call; Ollama emits one JSON
// object per line.
func (c *OllamaClient) StreamText(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	opts = opts.withDefaults(c.model)
	resp, err := c.post(ctx, buildOllamaRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		var full strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				sendEvent(ctx, events, StreamEvent{Done: true, Err: &APIError{Kind: KindInternal, Message: fmt.Sprintf("malformed stream line: %v", err)}})
				return
			}
			if chunk.Error != "" {
				sendEvent(ctx, events, StreamEvent{Done: true, Err: &APIError{Kind: KindInternal, Message: chunk.Error}})
				return
			}
			if chunk.Done {
				sendEvent(ctx, events, StreamEvent{Done: true, Full: full.String(), TokensUsed: chunk.PromptEvalCount + chunk.EvalCount})
				return
			}
			if chunk.Response == "" {
				continue
			}
			full.WriteString(chunk.Response)
			if !sendEvent(ctx, events, StreamEvent{Text: chunk.Response}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendEvent(ctx, events, StreamEvent{Done: true, Err: wrapTransportError(ctx, err)})
			return
		}
		sendEvent(ctx, events, StreamEvent{Done: true, Full: full.String()})
	}()
	return events, nil
}

func (c *OllamaClient) post(ctx context.Context, payload ollamaRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var out ollamaResponse
		_ = json.Unmarshal(raw, &out)
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &APIError{
			Kind:    classifyOllamaStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: msg,
		}
	}
	return resp, nil
}

func classifyOllamaStatus(httpStatus int) Kind {
	switch httpStatus {
	case http.StatusBadRequest, http.StatusNotFound:
		return KindInvalidRequest
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError:
		return KindInternal
	case http.StatusServiceUnavailable:
		return KindOverloaded
	}
	if httpStatus >= 500 {
		return KindUnavailable
	}
	return KindUnknown
}

func buildOllamaRequest(prompt string, opts Options, stream bool) ollamaRequest {
	return ollamaRequest{
		Model:  opts.Model,
		Prompt: prompt,
		Stream: stream,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			TopK:        opts.TopK,
			NumPredict:  opts.MaxOutputTokens,
		},
	}
}
