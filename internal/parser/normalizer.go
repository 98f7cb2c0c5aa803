// Package parser turns raw device output into structured records.
package parser

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// Parser is the structured parsing capability used by the normalizer
type Parser interface {
	Parse(platform models.Platform, command, raw string) ([]models.Record, error)
}

// Normalizer wraps a Parser and falls back to raw text on any failure
type Normalizer struct {
	parser Parser
	logger *zap.Logger
}

// NewNormalizer creates a normalizer
func NewNormalizer(parser Parser, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		parser: parser,
		logger: logger,
	}
}

// Normalize never fails: a parser error, an empty parse or a parser panic
// all yield the raw output unchanged.
func (n *Normalizer) Normalize(platform models.Platform, command, raw string) (result models.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			n.logFallback(&models.ParseFailure{Platform: platform, Command: command, Err: fmt.Errorf("parser panic: %v", r)})
			result = models.Raw(platform, command, raw)
		}
	}()

	if n.parser == nil {
		return models.Raw(platform, command, raw)
	}

	records, err := n.parser.Parse(platform, command, raw)
	if err != nil {
		n.logFallback(&models.ParseFailure{Platform: platform, Command: command, Err: err})
		return models.Raw(platform, command, raw)
	}
	if len(records) == 0 {
		n.logFallback(&models.ParseFailure{Platform: platform, Command: command, Err: ErrNoRecords})
		return models.Raw(platform, command, raw)
	}
	return models.Structured(platform, command, records)
}

func (n *Normalizer) logFallback(err error) {
	n.logger.Debug("Returning raw output", zap.Error(err))
}
