package analysis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/vaultchat/internal/engine"
)

const (
	greetingScore   = 35
	shortScore      = 30
	noContentScore  = 25
	minClassifyLen  = 10
	scoringTimeout  = 10 * time.Second
	maxMessageChars = 4000
)

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "heya": {}, "hiya": {}, "yo": {}, "howdy": {}, "sup": {},
	"what's up": {}, "whats up": {}, "good morning": {}, "good afternoon": {}, "good evening": {},
	"gm": {}, "morning": {}, "hola": {}, "bonjour": {}, "salut": {}, "hallo": {}, "ciao": {},
	"olá": {}, "ola": {}, "namaste": {}, "привет": {}, "здравствуйте": {},
	"你好": {}, "您好": {}, "嗨": {}, "哈喽": {}, "早上好": {}, "晚上好": {}, "早": {},
	"こんにちは": {}, "こんばんは": {}, "おはよう": {}, "안녕": {}, "안녕하세요": {},
}

// OnboardingSource supplies the user's onboarding answers as text.
type OnboardingSource interface {
	OnboardingSummary() string
}

// Scorer estimates how strongly a message resonates with the user's
// persona, on a 0–100 scale.
type Scorer struct {
	chat       Chatter
	model      string
	onboarding OnboardingSource
	timeout    time.Duration
}

func NewScorer(chat Chatter, model string, onboarding OnboardingSource) *Scorer {
	return &Scorer{chat: chat, model: model, onboarding: onboarding, timeout: scoringTimeout}
}

// Score returns a resonance score. Greetings, very short messages and
// messages without letters or digits get a fixed low score without a
// classifier call. Classifier scores are capped by Ceiling.
func (s *Scorer) Score(ctx context.Context, message string) (int, error) {
	if score, ok := QuickScore(message); ok {
		return score, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.chat.Chat(ctx, s.model, s.buildPrompt(message), scoreSchema())
	if err != nil {
		return 0, fmt.Errorf("resonance classifier: %w", err)
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := decodeJSONObject(raw, &obj); err != nil {
		return 0, err
	}

	score := 0
	if !math.IsNaN(obj.Score) {
		score = int(math.Round(math.Max(-1, math.Min(obj.Score, 1000))))
	}
	return clampScore(score, Ceiling(utf8.RuneCountInString(strings.TrimSpace(message)))), nil
}

// QuickScore applies the cheap heuristics. ok is false when the message
// needs the classifier.
func QuickScore(message string) (score int, ok bool) {
	m := strings.TrimSpace(message)
	if isGreeting(m) {
		return greetingScore, true
	}
	if utf8.RuneCountInString(m) < minClassifyLen {
		return shortScore, true
	}
	if !hasLetterOrDigit(m) {
		return noContentScore, true
	}
	return 0, false
}

// Ceiling is the highest score a message of n characters may receive.
func Ceiling(n int) int {
	switch {
	case n < 20:
		return 50
	case n < 50:
		return 69
	case n < 100:
		return 85
	default:
		return 100
	}
}

func clampScore(score, ceiling int) int {
	if score < 0 {
		return 0
	}
	if score > ceiling {
		return ceiling
	}
	return score
}

func isGreeting(m string) bool {
	m = strings.ToLower(strings.TrimRightFunc(m, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	}))
	_, ok := greetings[m]
	return ok
}

func hasLetterOrDigit(m string) bool {
	for _, r := range m {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

const scoringPrompt = `You rate how much a chat message reflects the personality, values and life of the person who wrote it. ` +
	`Compare the message with what the person said about themselves during onboarding. ` +
	`Small talk and generic questions score low; messages that reveal genuine personal experience, values or goals consistent with the onboarding answers score high. ` +
	`Respond with only a JSON object: {"score": <integer 0-100>}`

func (s *Scorer) buildPrompt(message string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(scoringPrompt)
	if s.onboarding != nil {
		if summary := s.onboarding.OnboardingSummary(); summary != "" {
			fmt.Fprintf(&sb, "\n\n[Onboarding answers]\n%s", summary)
		}
	}
	if utf8.RuneCountInString(message) > maxMessageChars {
		message = string([]rune(message)[:maxMessageChars])
	}
	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: message},
	}
}

func scoreSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"score": engine.NumberIn(0, 100, "resonance score"),
		},
		Required: []string{"score"},
	}
}
