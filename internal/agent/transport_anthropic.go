package agent

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

// AnthropicTransport streams from the native Anthropic messages API,
// which uses typed SSE events instead of the OpenAI chunk format.
type AnthropicTransport struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

// NewAnthropicTransport creates a transport against api.anthropic.com.
func NewAnthropicTransport(apiKey string) *AnthropicTransport {
	return &AnthropicTransport{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com",
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDeltaEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements Transport. The provider prefix of the model ref is
// stripped; system turns are lifted into the request's system field as
// the messages API requires.
func (t *AnthropicTransport) Stream(ctx context.Context, model string, messages []Message, emit func(Event)) error {
	if _, rest, ok := strings.Cut(model, "/"); ok {
		model = rest
	}

	req := anthropicRequest{
		Model:     model,
		MaxTokens: 8192,
		Stream:    true,
	}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", t.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	res, err := t.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("anthropic returned %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			event = after
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch event {
		case "content_block_delta":
			var ev anthropicDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				emit(Event{Kind: EventTextDelta, Text: ev.Delta.Text})
			}
		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			return fmt.Errorf("anthropic stream error: %s", ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read anthropic stream: %w", err)
	}
	return nil
}
