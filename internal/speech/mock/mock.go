// Package mock provides a recording speaker for tests of code that talks to
// the user.
package mock

import "sync"

// Utterance is one recorded Speak call.
type Utterance struct {
	Text string
	Lang string
}

// Speaker records every utterance instead of playing it.
type Speaker struct {
	mu         sync.Mutex
	utterances []Utterance
	cancels    int
}

// Speak records text in the default language.
func (s *Speaker) Speak(text string) {
	s.SpeakIn(text, "en-IN")
}

// SpeakIn records text. Empty text is ignored, like the real speaker.
func (s *Speaker) SpeakIn(text, lang string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, Utterance{Text: text, Lang: lang})
}

// Cancel counts the call.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
}

// Utterances returns a copy of everything spoken so far.
func (s *Speaker) Utterances() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Utterance, len(s.utterances))
	copy(out, s.utterances)
	return out
}

// Texts returns the spoken texts in order.
func (s *Speaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.utterances))
	for i, u := range s.utterances {
		out[i] = u.Text
	}
	return out
}

// Last returns the most recent utterance text, or "".
func (s *Speaker) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.utterances) == 0 {
		return ""
	}
	return s.utterances[len(s.utterances)-1].Text
}

// Said reports whether text was spoken at any point.
func (s *Speaker) Said(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.utterances {
		if u.Text == text {
			return true
		}
	}
	return false
}

// Cancels returns the number of Cancel calls.
func (s *Speaker) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Reset forgets everything recorded so far.
func (s *Speaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = nil
	s.cancels = 0
}
