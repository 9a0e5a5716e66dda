// Package contacts is the payee directory used by the transfer flow.
//
// Voice selection is exact: a contact is selected only when its full name
// appears in the transcript, or when a candidate name equals a contact name
// ignoring case. Phonetic similarity is used solely to suggest a name back to
// the speaker, never to select one.
package contacts

import (
	"errors"
	"fmt"
	"strings"
)

// Contact is a payee.
type Contact struct {
	Name   string `yaml:"name" json:"name"`
	Mobile string `yaml:"mobile" json:"mobile"`
}

// Defaults is the directory used when none is configured.
func Defaults() []Contact {
	return []Contact{
		{Name: "Ravi", Mobile: "9876543210"},
		{Name: "Priya", Mobile: "9123456780"},
		{Name: "Amit", Mobile: "9988776655"},
		{Name: "Sneha", Mobile: "9012345678"},
		{Name: "Rahul", Mobile: "9898989898"},
	}
}

// Directory is an immutable, ordered contact list. Safe for concurrent use.
type Directory struct {
	contacts []Contact
	matcher  *Matcher
}

// NewDirectory validates list and returns a Directory. Names must be
// non-empty and unique ignoring case.
func NewDirectory(list []Contact) (*Directory, error) {
	seen := make(map[string]struct{}, len(list))
	var errs []error
	for i, c := range list {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("contacts[%d]: name is required", i))
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("contacts[%d]: duplicate name %q", i, name))
		}
		seen[key] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Directory{
		contacts: append([]Contact(nil), list...),
		matcher:  NewMatcher(),
	}, nil
}

// All returns a copy of every contact in directory order.
func (d *Directory) All() []Contact {
	return append([]Contact(nil), d.contacts...)
}

// FindExact returns the contact whose name equals name ignoring case.
func (d *Directory) FindExact(name string) (Contact, bool) {
	for _, c := range d.contacts {
		if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return c, true
		}
	}
	return Contact{}, false
}

// FindIn returns the first contact, in directory order, whose lowercased
// name is contained in text.
func (d *Directory) FindIn(text string) (Contact, bool) {
	lower := strings.ToLower(text)
	for _, c := range d.contacts {
		if strings.Contains(lower, strings.ToLower(c.Name)) {
			return c, true
		}
	}
	return Contact{}, false
}

// Search filters the directory by a name substring (case-insensitive) or a
// mobile-number substring. An empty term returns every contact.
func (d *Directory) Search(term string) []Contact {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return d.All()
	}
	var out []Contact
	for _, c := range d.contacts {
		if strings.Contains(strings.ToLower(c.Name), term) || strings.Contains(c.Mobile, term) {
			out = append(out, c)
		}
	}
	return out
}

// Suggest returns the contact whose name sounds most like word, for a
// "did you mean" prompt.
func (d *Directory) Suggest(word string) (Contact, bool) {
	names := make([]string, len(d.contacts))
	for i, c := range d.contacts {
		names[i] = c.Name
	}
	name, _, ok := d.matcher.Match(word, names)
	if !ok {
		return Contact{}, false
	}
	return d.FindExact(name)
}
