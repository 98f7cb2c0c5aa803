package proxy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// IntrospectionCommand is sent to identify the device platform
const IntrospectionCommand = "show version"

type platformMarker struct {
	marker   string
	platform models.Platform
}

// Checked in order; the first marker found wins
var platformMarkers = []platformMarker{
	{marker: "NX-OS", platform: models.PlatformNXOS},
}

// ClassifyOutput maps introspection output to a platform. Unknown output
// falls back to the default platform.
func ClassifyOutput(text string) models.Platform {
	for _, m := range platformMarkers {
		if strings.Contains(text, m.marker) {
			return m.platform
		}
	}
	return models.DefaultPlatform
}

// Classifier identifies the platform behind an open session.
// It never closes the session.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier creates a classifier
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify runs the introspection command on s
func (c *Classifier) Classify(ctx context.Context, s Session) (models.Platform, error) {
	host := s.Profile().Host
	out, err := s.Send(ctx, IntrospectionCommand)
	if err != nil {
		return "", &models.ClassificationError{Host: host, Err: err}
	}

	platform := ClassifyOutput(out)
	c.logger.Debug("Platform classified",
		zap.String("host", host),
		zap.String("platform", string(platform)),
	)
	return platform, nil
}
