package command

import "strings"

// Greeting is spoken whenever a transcript contains a greeting keyword.
const Greeting = "Hello! How can I help you?"

// Classify maps a transcript to the first intent in table order that has a
// keyword contained in the lowercased transcript. It returns IntentNone when
// nothing matches.
func Classify(transcript string) Intent {
	return classifyLower(strings.ToLower(transcript))
}

func classifyLower(lower string) Intent {
	for _, row := range table {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return row.intent
			}
		}
	}
	return IntentNone
}

// Matches reports whether transcript contains any keyword of intent,
// regardless of which intent Classify would pick.
func Matches(transcript string, intent Intent) bool {
	lower := strings.ToLower(transcript)
	for _, row := range table {
		if row.intent != intent {
			continue
		}
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// IsGreeting reports whether the transcript should trigger the greeting
// utterance. It is independent of the classified intent.
func IsGreeting(transcript string) bool {
	lower := strings.ToLower(transcript)
	return strings.Contains(lower, "hello") || strings.Contains(lower, "hi")
}
