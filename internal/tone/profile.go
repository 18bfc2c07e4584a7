// Package tone holds the registry of target tones and the adapter each one
// overlays on the base model.
//
// The registry is read on every request and written rarely (startup, config
// reload, admin calls). Reads go through an immutable snapshot behind an
// atomic pointer; writers build a new snapshot and swap it in, so a request
// that has resolved a [Profile] keeps using it even if the tone is replaced or
// removed meanwhile.
package tone

import (
	"errors"
	"fmt"
	"regexp"
	"text/template"
)

// idPattern constrains tone identifiers to lower-case slugs.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ErrInvalidProfile is returned when a profile fails validation.
var ErrInvalidProfile = errors.New("tone: invalid profile")

// AdapterRef identifies a fine-tuned adapter at a specific version.
type AdapterRef struct {
	Name    string
	Version int
}

// String renders the reference as "name@version".
func (a AdapterRef) String() string {
	return fmt.Sprintf("%s@%d", a.Name, a.Version)
}

// Profile describes how to produce one tone.
type Profile struct {
	ToneID      string
	Description string
	Adapter     AdapterRef

	// SystemPrompt is sent as the system message when non-empty.
	SystemPrompt string

	// PromptTemplate is a text/template source. Empty selects the generator's
	// built-in template.
	PromptTemplate string

	Temperature *float64
	MaxTokens   int

	tmpl *template.Template
}

// Template returns the parsed PromptTemplate, or nil when the profile uses
// the built-in template. Profiles obtained from a [Registry] are pre-parsed.
func (p Profile) Template() *template.Template {
	return p.tmpl
}

// ValidID reports whether id is a well-formed tone identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks p and parses its template. The returned profile carries the
// parsed template.
func Validate(p Profile) (Profile, error) {
	var errs []error
	if !ValidID(p.ToneID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", p.ToneID, idPattern))
	}
	if p.Adapter.Name == "" {
		errs = append(errs, errors.New("adapter name is required"))
	}
	if p.Adapter.Version < 0 {
		errs = append(errs, errors.New("adapter version must not be negative"))
	}
	if t := p.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("temperature %.2f is out of range [0, 2]", *t))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, errors.New("max tokens must not be negative"))
	}
	p.tmpl = nil
	if p.PromptTemplate != "" {
		t, err := template.New(p.ToneID).Option("missingkey=error").Parse(p.PromptTemplate)
		if err != nil {
			errs = append(errs, fmt.Errorf("prompt template: %w", err))
		} else {
			p.tmpl = t
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Profile{}, fmt.Errorf("%w %q: %w", ErrInvalidProfile, p.ToneID, err)
	}
	return p, nil
}

// sameContent reports whether a and b differ only in adapter version.
func sameContent(a, b Profile) bool {
	return a.ToneID == b.ToneID &&
		a.Description == b.Description &&
		a.Adapter.Name == b.Adapter.Name &&
		a.SystemPrompt == b.SystemPrompt &&
		a.PromptTemplate == b.PromptTemplate &&
		sameFloat(a.Temperature, b.Temperature) &&
		a.MaxTokens == b.MaxTokens
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
