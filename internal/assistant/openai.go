package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskpilot/internal/apperrors"
	"taskpilot/internal/config"
)

// OpenAIInvoker talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIInvoker struct {
	baseURL    string
	apiKey     string
	model      string
	retryMax   int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIInvoker builds an invoker from the model provider configuration.
func NewOpenAIInvoker(cfg *config.Config) *OpenAIInvoker {
	return &OpenAIInvoker{
		baseURL:  strings.TrimSuffix(cfg.ModelBaseURL, "/"),
		apiKey:   cfg.ModelAPIKey,
		model:    cfg.ModelID,
		retryMax: cfg.ModelRetryMax,
		httpClient: &http.Client{
			Timeout: cfg.ModelTimeout,
		},
		// Most hosted providers throttle around a few requests per second
		// per key; stay under that instead of burning quota on 429s.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Invoke sends the turn to the provider. Transient failures (timeouts, 429,
// 5xx) are retried up to retryMax times with linear backoff; everything else
// fails immediately as a model-invocation error.
func (inv *OpenAIInvoker) Invoke(ctx context.Context, system string, history []TurnMessage, toolSchemas []map[string]any) (*Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.retryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			log.Printf("🔄 [ASSISTANT] Retrying model call (attempt %d) after %v: %v", attempt+1, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, apperrors.Wrap(apperrors.KindModelInvocation, "model call cancelled", ctx.Err())
			}
		}

		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrap(apperrors.KindModelInvocation, "model call cancelled", err)
		}

		reply, retryable, err := inv.invokeOnce(ctx, system, history, toolSchemas)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, apperrors.Wrap(apperrors.KindModelInvocation, "model invocation failed", lastErr)
}

func (inv *OpenAIInvoker) invokeOnce(ctx context.Context, system string, history []TurnMessage, toolSchemas []map[string]any) (*Reply, bool, error) {
	messages := make([]map[string]string, 0, len(history)+1)
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	for _, msg := range history {
		messages = append(messages, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	requestBody := map[string]any{
		"model":    inv.model,
		"messages": messages,
	}
	if len(toolSchemas) > 0 {
		requestBody["tools"] = toolSchemas
		requestBody["tool_choice"] = "auto"
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := inv.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+inv.apiKey)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are worth one more try.
		return nil, true, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("model request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("failed to parse model response: %w", err)
	}

	reply, err := parseReply(result)
	if err != nil {
		return nil, false, err
	}
	log.Printf("✅ [ASSISTANT] Model replied: content_len=%d, tool_calls=%d", len(reply.Content), len(reply.Calls))
	return reply, false, nil
}

// parseReply extracts content and tool calls from an OpenAI-style response.
func parseReply(result map[string]any) (*Reply, error) {
	choices, ok := result["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, fmt.Errorf("model response has no choices")
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model response choice is malformed")
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model response has no message")
	}

	reply := &Reply{}
	if c, ok := message["content"].(string); ok {
		reply.Content = c
	}

	toolCalls, ok := message["tool_calls"].([]any)
	if !ok {
		return reply, nil
	}
	for _, raw := range toolCalls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := call["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		args := map[string]any{}
		if argsStr, ok := fn["arguments"].(string); ok && argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				return nil, fmt.Errorf("tool call %s has malformed arguments: %w", name, err)
			}
		}
		reply.Calls = append(reply.Calls, ProposedCall{Name: name, Arguments: args})
	}
	return reply, nil
}
