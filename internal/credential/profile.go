package credential

import (
	"errors"
	"fmt"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// ProfileSet is the ordered, immutable list of credential templates.
// Order is precedence: the negotiator tries index 0 first.
type ProfileSet struct {
	templates []models.ProfileTemplate
}

// NewProfileSet validates the templates, fills defaults and copies them
func NewProfileSet(templates ...models.ProfileTemplate) (*ProfileSet, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: at least one profile is required", models.ErrInvalidProfile)
	}

	seen := make(map[string]struct{}, len(templates))
	out := make([]models.ProfileTemplate, 0, len(templates))
	var errs []error
	for _, t := range templates {
		t = t.WithDefaults()
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate profile name %q", models.ErrInvalidProfile, t.Name))
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &ProfileSet{templates: out}, nil
}

// Templates returns a copy of the templates in precedence order
func (s *ProfileSet) Templates() []models.ProfileTemplate {
	out := make([]models.ProfileTemplate, len(s.templates))
	copy(out, s.templates)
	return out
}

// Len returns the number of templates
func (s *ProfileSet) Len() int {
	return len(s.templates)
}

// Names returns the template names in precedence order
func (s *ProfileSet) Names() []string {
	names := make([]string, len(s.templates))
	for i, t := range s.templates {
		names[i] = t.Name
	}
	return names
}

// HasLookup reports whether any template needs a secret lookup
func (s *ProfileSet) HasLookup() bool {
	for _, t := range s.templates {
		if t.Source == models.SecretSourceLookup {
			return true
		}
	}
	return false
}
