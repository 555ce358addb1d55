package generation

import (
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/session"
	"github.com/kalambet/vaultchat/internal/storage"
)

// Request is one generation call.
type Request struct {
	Query        string
	History      []storage.ConversationTurn
	Persona      bool
	ExtraContext string
}

// Outcome is either Tokens or PaymentRequired.
type Outcome interface {
	outcome()
}

// Tokens is a lazy token stream. Iterating drives the HTTP response; the
// stream ends at the first error. Close releases the response if the
// stream is abandoned early; it is safe to call more than once.
type Tokens struct {
	Stream iter.Seq2[string, error]
	close  func() error
}

func (Tokens) outcome() {}

func (t Tokens) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// PaymentRequired means the backend refused to generate until Challenge
// is settled.
type PaymentRequired struct {
	Challenge payment.Challenge
}

func (PaymentRequired) outcome() {}

// StatusError is a non-2xx response other than 402. 401 and 403 unwrap
// to session.ErrUnauthorized.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation failed (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return session.ErrUnauthorized
	}
	return nil
}

func isRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// onceCloser closes at most once.
type onceCloser struct {
	once sync.Once
	fn   func() error
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.fn() })
	return c.err
}
