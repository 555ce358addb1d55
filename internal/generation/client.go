// Package generation streams answers from an OpenAI-compatible chat
// backend that may gate requests behind a payment challenge.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/session"
)

const (
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
	maxChallengeSize = 64 << 10
	maxErrorBody     = 4 << 10
)

const baseSystemPrompt = `You are a private assistant. Answer the user's message directly and concisely. ` +
	`Never claim to remember things that are not in this conversation or in the provided records.`

// PersonaSource supplies a short description of the user's persona.
type PersonaSource interface {
	PersonaSummary() string
}

// Client talks to the generation backend.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	tokens     session.TokenSource
	persona    PersonaSource
	httpClient *http.Client
}

// NewClient creates a Client. tokens and persona may be nil.
func NewClient(baseURL, apiKey, model string, tokens session.TokenSource, persona PersonaSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		tokens:  tokens,
		persona: persona,
		// No client timeout: streams are bounded by the caller's context.
		httpClient: &http.Client{},
	}
}

// Generate starts a streaming completion. A 402 response yields a
// PaymentRequired outcome instead of an error.
func (c *Client) Generate(ctx context.Context, req Request) (Outcome, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: c.buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		out, err := c.doGenerate(ctx, body)
		if err == nil {
			return out, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) buildMessages(req Request) []message {
	system := baseSystemPrompt
	if req.Persona && c.persona != nil {
		if summary := c.persona.PersonaSummary(); summary != "" {
			system += "\n\nAbout the user: " + summary
		}
	}

	msgs := []message{{Role: "system", Content: system}}
	if req.ExtraContext != "" {
		msgs = append(msgs, message{Role: "system", Content: req.ExtraContext})
	}
	for _, t := range req.History {
		if t.IsError || t.Text == "" {
			continue
		}
		role := "assistant"
		if t.IsUser {
			role = "user"
		}
		msgs = append(msgs, message{Role: role, Content: t.Text})
	}
	return append(msgs, message{Role: "user", Content: req.Query})
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (Outcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining session token: %w", err)
		}
		httpReq.Header.Set("X-Session-Token", tok)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		challenge, _ := io.ReadAll(io.LimitReader(resp.Body, maxChallengeSize))
		resp.Body.Close()
		return PaymentRequired{Challenge: payment.NewChallenge(bytes.TrimSpace(challenge))}, nil
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	closer := &onceCloser{fn: resp.Body.Close}
	return Tokens{Stream: streamTokens(resp.Body, closer), close: closer.Close}, nil
}

// streamTokens yields content deltas from an SSE body. The body is closed
// when iteration ends, whether by completion, error or early break.
func streamTokens(body io.Reader, closer io.Closer) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		defer closer.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decoding stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield("", errors.New("upstream stream error: "+chunk.Error.Message))
				return
			}
			for _, ch := range chunk.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !yield(ch.Delta.Content, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("reading stream: %w", err))
		}
	}
}
