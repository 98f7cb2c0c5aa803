package credential

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// SecretLookup fetches a username/password pair from an external secret store
type SecretLookup interface {
	Lookup(ctx context.Context) (models.ResolvedSecret, error)
}

// Resolver turns profile templates into concrete credential profiles
type Resolver struct {
	lookup SecretLookup
	logger *zap.Logger
}

// NewResolver creates a resolver. lookup may be nil when no template uses it.
func NewResolver(lookup SecretLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		lookup: lookup,
		logger: logger,
	}
}

// Resolve binds the template to host. Lookup templates trigger exactly one
// call to the secret store, with no retry.
func (r *Resolver) Resolve(ctx context.Context, template models.ProfileTemplate, host string) (models.CredentialProfile, error) {
	switch template.Source {
	case models.SecretSourceStatic, "":
		return template.Bind(host, models.ResolvedSecret{
			Username: template.Username,
			Password: template.Password,
		}), nil

	case models.SecretSourceLookup:
		if r.lookup == nil {
			return models.CredentialProfile{}, &models.ResolutionError{
				Profile: template.Name,
				Err:     errors.New("no secret lookup configured"),
			}
		}
		secret, err := r.lookup.Lookup(ctx)
		if err != nil {
			r.logger.Warn("Secret lookup failed",
				zap.String("profile", template.Name),
				zap.Error(err),
			)
			return models.CredentialProfile{}, &models.ResolutionError{Profile: template.Name, Err: err}
		}
		if secret.Username == "" || secret.Password == "" {
			return models.CredentialProfile{}, &models.ResolutionError{
				Profile: template.Name,
				Err:     errors.New("lookup returned an incomplete secret"),
			}
		}
		return template.Bind(host, secret), nil

	default:
		return models.CredentialProfile{}, &models.ResolutionError{
			Profile: template.Name,
			Err:     fmt.Errorf("unknown secret source %q", template.Source),
		}
	}
}
