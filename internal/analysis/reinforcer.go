package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/vaultchat/internal/engine"
	"github.com/kalambet/vaultchat/internal/profile"
)

const (
	minReinforceLen   = 60
	minReinforceWords = 8
	reinforceInterval = 6 * time.Hour
	reinforceWeight   = 0.3
	reinforceTimeout  = 15 * time.Second
)

var firstPersonWords = map[string]struct{}{
	"i": {}, "i'm": {}, "im": {}, "i've": {}, "i'd": {}, "i'll": {}, "me": {}, "my": {}, "mine": {}, "myself": {},
	"je": {}, "j'ai": {}, "moi": {}, "mon": {}, "ma": {}, "mes": {},
	"yo": {}, "mi": {}, "mis": {}, "ich": {}, "mein": {}, "meine": {}, "mich": {}, "mir": {},
	"я": {}, "мой": {}, "моя": {}, "меня": {}, "мне": {},
}

var firstPersonRunes = []string{"我", "私", "僕", "俺", "나는", "내가", "저는"}

// TraitStore is the part of profile.Manager the reinforcer needs.
type TraitStore interface {
	LastReinforcedAt() (time.Time, error)
	MergeTraits(observed profile.Traits, w float64) (profile.Traits, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Reinforcer refines the persona's trait scores from substantial,
// self-descriptive messages, at most once per interval.
type Reinforcer struct {
	// mu spans the interval check through the merge that stamps it.
	mu sync.Mutex

	chat     Chatter
	model    string
	traits   TraitStore
	clock    Clock
	interval time.Duration
	weight   float64
}

func NewReinforcer(chat Chatter, model string, traits TraitStore) *Reinforcer {
	return &Reinforcer{
		chat:     chat,
		model:    model,
		traits:   traits,
		clock:    realClock{},
		interval: reinforceInterval,
		weight:   reinforceWeight,
	}
}

// NewReinforcerWithClock is like NewReinforcer but uses the given clock.
func NewReinforcerWithClock(chat Chatter, model string, traits TraitStore, clock Clock) *Reinforcer {
	r := NewReinforcer(chat, model, traits)
	r.clock = clock
	return r
}

// Reinforce classifies message and merges the result into the persona.
// It reports whether a merge happened; skipped messages return false, nil.
func (r *Reinforcer) Reinforce(ctx context.Context, message string) (bool, error) {
	if !Eligible(message) {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.traits.LastReinforcedAt()
	if err != nil {
		return false, fmt.Errorf("reading last reinforcement: %w", err)
	}
	if !last.IsZero() && r.clock.Now().Sub(last) < r.interval {
		slog.Debug("persona reinforcement rate limited", "last", last)
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, reinforceTimeout)
	defer cancel()

	raw, err := r.chat.Chat(ctx, r.model, []engine.Message{
		{Role: "system", Content: traitPrompt},
		{Role: "user", Content: message},
	}, traitSchema())
	if err != nil {
		return false, fmt.Errorf("trait classifier: %w", err)
	}

	var observed profile.Traits
	if err := decodeJSONObject(raw, &observed); err != nil {
		return false, err
	}

	merged, err := r.traits.MergeTraits(observed.Clamp(), r.weight)
	if err != nil {
		return false, err
	}
	slog.Debug("persona reinforced",
		"openness", merged.Openness,
		"conscientiousness", merged.Conscientiousness,
		"extraversion", merged.Extraversion,
		"agreeableness", merged.Agreeableness,
		"neuroticism", merged.Neuroticism,
	)
	return true, nil
}

// Eligible is the cheap pre-check: long enough, talks about the author,
// and has enough words to say something.
func Eligible(message string) bool {
	m := strings.TrimSpace(message)
	if utf8.RuneCountInString(m) < minReinforceLen {
		return false
	}

	words := strings.FieldsFunc(strings.ToLower(m), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})

	firstPerson := false
	count := 0
	for _, w := range words {
		w = strings.ReplaceAll(w, "’", "'")
		if _, ok := firstPersonWords[w]; ok {
			firstPerson = true
		}
		// Han text has no spaces; count each ideograph as a word.
		if han := countHan(w); han > 0 {
			count += han
		} else {
			count++
		}
	}
	if !firstPerson {
		for _, marker := range firstPersonRunes {
			if strings.Contains(m, marker) {
				firstPerson = true
				break
			}
		}
	}
	return firstPerson && count >= minReinforceWords
}

func countHan(s string) int {
	n := 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			n++
		}
	}
	return n
}

const traitPrompt = `You estimate Big Five personality traits of the author of a single message. ` +
	`Judge only from the message. For each trait give a number between 0.0 and 1.0, where 0.5 means no evidence. ` +
	`Respond with only a JSON object: {"openness": <float>, "conscientiousness": <float>, "extraversion": <float>, "agreeableness": <float>, "neuroticism": <float>}`

func traitSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"openness":          engine.NumberIn(0, 1, "openness"),
			"conscientiousness": engine.NumberIn(0, 1, "conscientiousness"),
			"extraversion":      engine.NumberIn(0, 1, "extraversion"),
			"agreeableness":     engine.NumberIn(0, 1, "agreeableness"),
			"neuroticism":       engine.NumberIn(0, 1, "neuroticism"),
		},
		Required: []string{"openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism"},
	}
}
