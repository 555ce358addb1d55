package profile

import "time"

// Profile is the user's persona: what they said during onboarding, how
// they like to be answered, and five personality traits refined from
// their messages over time.
type Profile struct {
	Onboarding       map[string]string    `json:"onboarding,omitempty"` // question → answer
	Communication    CommunicationProfile `json:"communication"`
	Interests        []string             `json:"interests,omitempty"`
	Traits           *Traits              `json:"traits,omitempty"` // nil until first reinforcement or explicit set
	LastReinforcedAt time.Time            `json:"last_reinforced_at,omitzero"`
}

// CommunicationProfile captures how the user prefers answers.
type CommunicationProfile struct {
	Tone        string `json:"tone,omitempty"`
	Format      string `json:"format,omitempty"`
	DetailLevel string `json:"detail_level,omitempty"`
}

// Traits are Big Five scores in [0,1].
type Traits struct {
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
}

// Clamp bounds every trait to [0,1].
func (t Traits) Clamp() Traits {
	return Traits{
		Openness:          clamp01(t.Openness),
		Conscientiousness: clamp01(t.Conscientiousness),
		Extraversion:      clamp01(t.Extraversion),
		Agreeableness:     clamp01(t.Agreeableness),
		Neuroticism:       clamp01(t.Neuroticism),
	}
}

// Blend moves t toward obs by weight w (exponential moving average).
func (t Traits) Blend(obs Traits, w float64) Traits {
	mix := func(a, b float64) float64 { return a*(1-w) + b*w }
	return Traits{
		Openness:          mix(t.Openness, obs.Openness),
		Conscientiousness: mix(t.Conscientiousness, obs.Conscientiousness),
		Extraversion:      mix(t.Extraversion, obs.Extraversion),
		Agreeableness:     mix(t.Agreeableness, obs.Agreeableness),
		Neuroticism:       mix(t.Neuroticism, obs.Neuroticism),
	}.Clamp()
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
