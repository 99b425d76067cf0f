package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Google AI Studio (Gemini) API over plain HTTP.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a backend for the given API key and default
// model. Credentials are validated eagerly so a missing key fails at
// startup, not on the first chat request.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiClient{
		apiKey:  apiKey,
		model:   normalizeModel(model),
		baseURL: defaultGeminiBaseURL,
		// No client-level timeout: per-call deadlines come from the
		// caller's context, and streams stay open across fragments.
		httpClient: &http.Client{},
	}, nil
}

// GenerateText performs one generateContent call.
func (c *GeminiClient) GenerateText(ctx context.Context, prompt string, opts Options) (Result, error) {
	opts = opts.withDefaults(c.model)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, normalizeModel(opts.Model), c.apiKey)

	start := time.Now()
	var resp generateResponse
	if err := c.doJSON(ctx, url, buildGenerateRequest(prompt, opts), &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, &APIError{Kind: KindInternal, Message: "empty response from gemini"}
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return Result{
		Text:       b.String(),
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
		Model:      opts.Model,
		Elapsed:    time.Since(start),
	}, nil
}

// StreamText opens a streamGenerateContent call and delivers fragments on
// the returned channel. The channel is closed after the terminal event.
func (c *GeminiClient) StreamText(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	opts = opts.withDefaults(c.model)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, normalizeModel(opts.Model), c.apiKey)

	body, err := json.Marshal(buildGenerateRequest(prompt, opts))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		return nil, decodeGeminiError(resp)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		var full strings.Builder
		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var chunk generateResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				sendEvent(ctx, events, StreamEvent{Done: true, Err: &APIError{Kind: KindInternal, Message: fmt.Sprintf("malformed stream payload: %v", err)}})
				return
			}
			if chunk.UsageMetadata.TotalTokenCount > 0 {
				tokens = chunk.UsageMetadata.TotalTokenCount
			}
			for _, candidate := range chunk.Candidates {
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					full.WriteString(part.Text)
					if !sendEvent(ctx, events, StreamEvent{Text: part.Text}) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			sendEvent(ctx, events, StreamEvent{Done: true, Err: wrapTransportError(ctx, err)})
			return
		}
		sendEvent(ctx, events, StreamEvent{Done: true, Full: full.String(), TokensUsed: tokens})
	}()
	return events, nil
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeGeminiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildGenerateRequest(prompt string, opts Options) generateRequest {
	return generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
		GenerationConfig: generationConfig{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			TopK:            opts.TopK,
			MaxOutputTokens: opts.MaxOutputTokens,
		},
	}
}

// decodeGeminiError maps an error response onto a Kind using the HTTP code
// and the structured google.rpc status, never the message text.
func decodeGeminiError(resp *http.Response) error {
	var errResp errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	return &APIError{
		Kind:    classifyGoogleStatus(resp.StatusCode, errResp.Error.Status),
		Status:  resp.StatusCode,
		Message: errResp.Error.Message,
	}
}

func classifyGoogleStatus(httpStatus int, rpcStatus string) Kind {
	switch rpcStatus {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return KindInvalidAPIKey
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return KindInvalidRequest
	case "RESOURCE_EXHAUSTED":
		// 429 is request-rate pressure; anything else means the quota
		// itself is spent.
		if httpStatus == http.StatusTooManyRequests {
			return KindRateLimited
		}
		return KindQuotaExhausted
	case "UNAVAILABLE":
		return KindUnavailable
	case "INTERNAL":
		return KindInternal
	case "DEADLINE_EXCEEDED":
		return KindDeadlineExceeded
	}
	switch httpStatus {
	case http.StatusBadRequest:
		return KindInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindInvalidAPIKey
	case http.StatusRequestTimeout:
		return KindDeadlineExceeded
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError:
		return KindInternal
	case http.StatusServiceUnavailable:
		return KindOverloaded
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return KindUnavailable
	}
	if httpStatus >= 500 {
		return KindUnavailable
	}
	return KindUnknown
}

// wrapTransportError classifies failures below the HTTP layer.
func wrapTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &APIError{Kind: KindDeadlineExceeded, Message: err.Error()}
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return &APIError{Kind: KindUnavailable, Message: err.Error()}
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	return strings.TrimPrefix(model, "models/")
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature"`
	TopP            float32 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
