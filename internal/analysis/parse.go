// Package analysis runs best-effort, after-the-fact analyses of user
// messages: resonance scoring for bonus rewards and persona reinforcement.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/vaultchat/internal/engine"
)

// Chatter is the slice of engine.Engine the classifiers need.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// decodeJSONObject robustly extracts a JSON object from an LLM response and
// unmarshals it into target. Small local models often wrap JSON in markdown
// code fences or add conversational filler around it, so the parser strips
// fences, then takes the text between the first '{' and the last '}'.
func decodeJSONObject(resp string, target any) error {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), target); err != nil {
		return fmt.Errorf("unmarshal classifier response: %w", err)
	}
	return nil
}
