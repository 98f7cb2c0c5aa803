package proxy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/credential"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// ProfileResolver turns a template into a concrete profile for a host
type ProfileResolver interface {
	Resolve(ctx context.Context, template models.ProfileTemplate, host string) (models.CredentialProfile, error)
}

// Negotiator walks the credential cascade until one profile opens a session
type Negotiator struct {
	profiles     *credential.ProfileSet
	resolver     ProfileResolver
	transport    Transport
	logger       *zap.Logger
	eventHandler EventHandler
}

// NewNegotiator creates a negotiator
func NewNegotiator(profiles *credential.ProfileSet, resolver ProfileResolver, transport Transport, logger *zap.Logger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{
		profiles:  profiles,
		resolver:  resolver,
		transport: transport,
		logger:    logger,
	}
}

// SetEventHandler sets a callback for attempt events.
// It must be called before the negotiator is shared between goroutines.
func (n *Negotiator) SetEventHandler(handler EventHandler) {
	n.eventHandler = handler
}

func (n *Negotiator) emit(event AttemptEvent) {
	if n.eventHandler != nil {
		n.eventHandler(event)
	}
}

// Negotiate tries every template in precedence order and returns the first
// session that opens. Later templates are never attempted after a success.
func (n *Negotiator) Negotiate(ctx context.Context, host string) (Session, error) {
	templates := n.profiles.Templates()
	attempts := make([]error, 0, len(templates))
	var last error

	for i, tpl := range templates {
		if err := ctx.Err(); err != nil {
			last = err
			break
		}

		n.emit(AttemptEvent{State: AttemptTrying, Host: host, Profile: tpl.Name, Index: i})
		start := time.Now()

		session, err := n.attempt(ctx, tpl, host)
		latency := time.Since(start)
		if err == nil {
			n.logger.Info("Session negotiated",
				zap.String("host", host),
				zap.String("profile", tpl.Name),
				zap.Int("attempt", i+1),
				zap.Duration("latency", latency),
			)
			n.emit(AttemptEvent{State: AttemptConnected, Host: host, Profile: tpl.Name, Index: i, Latency: latency})
			return session, nil
		}

		n.logger.Warn("Credential profile failed",
			zap.String("host", host),
			zap.String("profile", tpl.Name),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		n.emit(AttemptEvent{State: AttemptFailed, Host: host, Profile: tpl.Name, Index: i, Latency: latency, Err: err})
		attempts = append(attempts, err)
		last = err
	}

	return nil, &models.NoCredentialSucceededError{Host: host, Attempts: attempts, Last: last}
}

func (n *Negotiator) attempt(ctx context.Context, tpl models.ProfileTemplate, host string) (Session, error) {
	profile, err := n.resolver.Resolve(ctx, tpl, host)
	if err != nil {
		var re *models.ResolutionError
		if !errors.As(err, &re) {
			err = &models.ResolutionError{Profile: tpl.Name, Err: err}
		}
		return nil, err
	}

	session, err := n.transport.Open(ctx, profile)
	if err != nil {
		if session != nil {
			_ = session.Close()
		}
		var ce *models.ConnectError
		var ae *models.AuthError
		if !errors.As(err, &ce) && !errors.As(err, &ae) {
			err = &models.ConnectError{Host: host, Profile: tpl.Name, Err: err}
		}
		return nil, err
	}
	return session, nil
}
