package tts

// VoiceSettings tunes how a voice is rendered. Providers that do not support
// a field ignore it.
type VoiceSettings struct {
	// Stability trades expressiveness for consistency (0-1).
	Stability float64

	// SimilarityBoost keeps the output close to the original voice (0-1).
	SimilarityBoost float64

	// Style exaggerates the speaker's style (0-1).
	Style float64

	// SpeakerBoost enhances similarity at some latency cost.
	SpeakerBoost bool
}

// DefaultVoiceSettings are the settings used when a profile carries none.
var DefaultVoiceSettings = VoiceSettings{
	Stability:       0.6,
	SimilarityBoost: 0.75,
	Style:           0.3,
	SpeakerBoost:    true,
}

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Settings overrides the provider's default rendering settings when non-nil.
	Settings *VoiceSettings

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}
