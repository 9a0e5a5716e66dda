package tts

// DefaultLanguage is the BCP-47 language spoken when a caller does not name one.
const DefaultLanguage = "en-IN"

// Voice describes a synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag the voice is asked to speak (e.g. "en-IN").
	// Empty means DefaultLanguage.
	Language string

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}
