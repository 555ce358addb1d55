package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Profile keys in the user_profile table.
const (
	KeyOnboarding       = "onboarding"
	KeyInterests        = "interests"
	KeyTraits           = "traits"
	KeyLastReinforcedAt = "persona.last_reinforced_at"
	KeyTone             = "communication.tone"
	KeyFormat           = "communication.format"
	KeyDetailLevel      = "communication.detail_level"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKey(key, value string) error
	GetProfileKey(key string) (string, error)
	GetAllProfileKeys() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, structured access to the persona stored in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Profile
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// GetProfile returns the persona, from cache when fresh. An empty store
// yields a zero Profile.
func (m *Manager) GetProfile() (Profile, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		p := deepCopyProfile(m.cached)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// loadLocked refreshes the cache if stale. Caller holds m.mu.
func (m *Manager) loadLocked() (Profile, error) {
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return deepCopyProfile(m.cached), nil
	}

	keys, err := m.store.GetAllProfileKeys()
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	p := buildProfile(keys)
	m.cached = &p
	m.cachedAt = m.clock.Now()
	return deepCopyProfile(&p), nil
}

// SetField persists a profile key and invalidates the cache. Non-string
// values are stored as JSON.
func (m *Manager) SetField(key string, value interface{}) error {
	str, err := encodeValue(key, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetProfileKey(key, str); err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// SetOnboardingAnswer records one onboarding answer.
func (m *Manager) SetOnboardingAnswer(question, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.loadLocked()
	if err != nil {
		return err
	}
	if p.Onboarding == nil {
		p.Onboarding = make(map[string]string)
	}
	p.Onboarding[question] = answer

	str, err := encodeValue(KeyOnboarding, p.Onboarding)
	if err != nil {
		return err
	}
	if err := m.store.SetProfileKey(KeyOnboarding, str); err != nil {
		return fmt.Errorf("setting onboarding answer: %w", err)
	}
	m.cached = nil
	return nil
}

// LastReinforcedAt returns when traits were last merged (zero if never).
func (m *Manager) LastReinforcedAt() (time.Time, error) {
	p, err := m.GetProfile()
	if err != nil {
		return time.Time{}, err
	}
	return p.LastReinforcedAt, nil
}

// MergeTraits blends observed traits into the stored ones with weight w and
// stamps the reinforcement time. With no prior traits the observation is
// taken as is.
func (m *Manager) MergeTraits(observed Traits, w float64) (Traits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.loadLocked()
	if err != nil {
		return Traits{}, err
	}

	merged := observed.Clamp()
	if p.Traits != nil {
		merged = p.Traits.Blend(observed.Clamp(), w)
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return Traits{}, fmt.Errorf("marshalling traits: %w", err)
	}
	if err := m.store.SetProfileKey(KeyTraits, string(b)); err != nil {
		return Traits{}, fmt.Errorf("storing traits: %w", err)
	}
	if err := m.store.SetProfileKey(KeyLastReinforcedAt, m.clock.Now().UTC().Format(time.RFC3339)); err != nil {
		return Traits{}, fmt.Errorf("storing reinforcement time: %w", err)
	}
	m.cached = nil
	return merged, nil
}

// GetSummary returns a compact persona description suitable for a system
// prompt. Targets < 500 tokens (~2000 chars).
func (m *Manager) GetSummary() string {
	p, err := m.GetProfile()
	if err != nil {
		slog.Warn("failed to load profile for summary", "error", err)
		return ""
	}
	return summarize(p)
}

// PersonaSummary is GetSummary with the placeholder for an empty profile
// replaced by "".
func (m *Manager) PersonaSummary() string {
	s := m.GetSummary()
	if s == emptySummary {
		return ""
	}
	return s
}

// OnboardingSummary lists onboarding answers as "question: answer" lines.
func (m *Manager) OnboardingSummary() string {
	p, err := m.GetProfile()
	if err != nil {
		slog.Warn("failed to load profile for onboarding summary", "error", err)
		return ""
	}
	if len(p.Onboarding) == 0 {
		return ""
	}
	qs := make([]string, 0, len(p.Onboarding))
	for q := range p.Onboarding {
		qs = append(qs, q)
	}
	sort.Strings(qs)
	lines := make([]string, 0, len(qs))
	for _, q := range qs {
		lines = append(lines, q+": "+p.Onboarding[q])
	}
	return truncate(strings.Join(lines, "\n"), maxSummaryChars)
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

const emptySummary = "User profile: not yet configured."

func summarize(p Profile) string {
	var parts []string

	var commParts []string
	if p.Communication.Tone != "" {
		commParts = append(commParts, p.Communication.Tone+" tone")
	}
	if p.Communication.Format != "" {
		commParts = append(commParts, p.Communication.Format)
	}
	if p.Communication.DetailLevel != "" {
		commParts = append(commParts, p.Communication.DetailLevel)
	}
	if len(commParts) > 0 {
		parts = append(parts, fmt.Sprintf("Prefers: %s.", strings.Join(commParts, ", ")))
	}

	if len(p.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Interests: %s.", strings.Join(p.Interests, ", ")))
	}

	if p.Traits != nil {
		parts = append(parts, "Personality: "+describeTraits(*p.Traits)+".")
	}

	if len(p.Onboarding) > 0 {
		qs := make([]string, 0, len(p.Onboarding))
		for q := range p.Onboarding {
			qs = append(qs, q)
		}
		sort.Strings(qs)
		for _, q := range qs {
			parts = append(parts, p.Onboarding[q])
		}
	}

	if len(parts) == 0 {
		return emptySummary
	}
	return truncate(strings.Join(parts, " "), maxSummaryChars)
}

func describeTraits(t Traits) string {
	traits := []struct {
		name string
		v    float64
	}{
		{"openness", t.Openness},
		{"conscientiousness", t.Conscientiousness},
		{"extraversion", t.Extraversion},
		{"agreeableness", t.Agreeableness},
		{"neuroticism", t.Neuroticism},
	}
	out := make([]string, len(traits))
	for i, tr := range traits {
		level := "moderate"
		switch {
		case tr.v >= 0.66:
			level = "high"
		case tr.v <= 0.33:
			level = "low"
		}
		out[i] = fmt.Sprintf("%s %s (%.2f)", level, tr.name, tr.v)
	}
	return strings.Join(out, ", ")
}

// truncate cuts s to at most n bytes on a word boundary without splitting
// a multi-byte character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if idx := strings.LastIndex(s[:end], " "); idx > 0 {
		return s[:idx]
	}
	return s[:end]
}

func encodeValue(key string, value interface{}) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshalling value for key %q: %w", key, err)
	}
	return string(b), nil
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p

	if p.Interests != nil {
		cp.Interests = make([]string, len(p.Interests))
		copy(cp.Interests, p.Interests)
	}
	if p.Onboarding != nil {
		cp.Onboarding = make(map[string]string, len(p.Onboarding))
		for k, v := range p.Onboarding {
			cp.Onboarding[k] = v
		}
	}
	if p.Traits != nil {
		t := *p.Traits
		cp.Traits = &t
	}
	return cp
}

// buildProfile assembles a Profile from flat key-value pairs. List, map and
// struct values are stored as JSON.
func buildProfile(keys map[string]string) Profile {
	var p Profile

	p.Communication.Tone = keys[KeyTone]
	p.Communication.Format = keys[KeyFormat]
	p.Communication.DetailLevel = keys[KeyDetailLevel]

	unmarshalProfileKey(keys, KeyOnboarding, &p.Onboarding)
	unmarshalProfileKey(keys, KeyInterests, &p.Interests)

	if _, ok := keys[KeyTraits]; ok {
		var t Traits
		if unmarshalProfileKey(keys, KeyTraits, &t) {
			t = t.Clamp()
			p.Traits = &t
		}
	}

	if v, ok := keys[KeyLastReinforcedAt]; ok {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			slog.Warn("malformed profile key, skipping", "key", KeyLastReinforcedAt, "error", err)
		} else {
			p.LastReinforcedAt = ts
		}
	}

	return p
}

// unmarshalProfileKey unmarshals a JSON value from keys into target, logging
// a warning if the value is present but malformed. Reports success.
func unmarshalProfileKey(keys map[string]string, key string, target interface{}) bool {
	v, ok := keys[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
		return false
	}
	return true
}
