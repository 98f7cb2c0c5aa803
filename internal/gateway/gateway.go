// Package gateway runs one operator command against one device: policy,
// session negotiation, platform classification, execution and normalization.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnasses/Cisco-Provider-API/internal/audit"
	"github.com/gnasses/Cisco-Provider-API/internal/parser"
	"github.com/gnasses/Cisco-Provider-API/internal/policy"
	"github.com/gnasses/Cisco-Provider-API/internal/proxy"
	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// ErrInvalidRequest is returned for requests missing a host or command
var ErrInvalidRequest = errors.New("invalid gateway request")

// SessionPolicy selects how sessions are used across pipeline stages
type SessionPolicy string

const (
	// SessionFresh opens one session for classification and another for execution
	SessionFresh SessionPolicy = "fresh"
	// SessionReuse runs classification and the command on the same session
	SessionReuse SessionPolicy = "reuse"
)

// Config contains gateway configuration
type Config struct {
	SessionPolicy      SessionPolicy `mapstructure:"session_policy"`
	MaxSessions        int64         `mapstructure:"max_sessions"`
	MaxSessionsPerHost int64         `mapstructure:"max_sessions_per_host"`
	CounterTimeout     time.Duration `mapstructure:"counter_timeout"`
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		SessionPolicy:      SessionFresh,
		MaxSessions:        64,
		MaxSessionsPerHost: 2,
		CounterTimeout:     5 * time.Second,
	}
}

// Negotiator opens a session on a host through the credential cascade
type Negotiator interface {
	Negotiate(ctx context.Context, host string) (proxy.Session, error)
}

// Request is one gateway invocation
type Request struct {
	Host    string
	Command string
	// Policy is checked before any device I/O. Nil accepts every command.
	Policy policy.CommandPolicy
}

// Gateway orchestrates the command pipeline
type Gateway struct {
	negotiator Negotiator
	classifier *proxy.Classifier
	executor   *proxy.Executor
	normalizer *parser.Normalizer
	counter    audit.UsageCounter
	limiter    *Limiter
	metrics    *Metrics
	config     Config
	logger     *zap.Logger

	reports sync.WaitGroup
}

// New creates a gateway. counter and metrics may be nil.
func New(negotiator Negotiator, normalizer *parser.Normalizer, counter audit.UsageCounter, metrics *Metrics, config Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = audit.NopCounter{}
	}
	if config.SessionPolicy == "" {
		config.SessionPolicy = SessionFresh
	}
	if config.CounterTimeout <= 0 {
		config.CounterTimeout = DefaultConfig().CounterTimeout
	}
	return &Gateway{
		negotiator: negotiator,
		classifier: proxy.NewClassifier(logger),
		executor:   proxy.NewExecutor(logger),
		normalizer: normalizer,
		counter:    counter,
		limiter:    NewLimiter(config.MaxSessions, config.MaxSessionsPerHost),
		metrics:    metrics,
		config:     config,
		logger:     logger,
	}
}

// Run executes req and returns a structured or raw result. Failures are
// *models.StageError naming the stage that failed.
func (g *Gateway) Run(ctx context.Context, req Request) (*models.CommandResult, error) {
	start := time.Now()
	log := g.logger.With(
		zap.String("invocation_id", uuid.NewString()),
		zap.String("host", req.Host),
		zap.String("command", req.Command),
	)

	g.countUsage(ctx, log)

	result, err := g.run(ctx, req, log)
	elapsed := time.Since(start)
	g.metrics.observeRun(result, err, elapsed)

	if err != nil {
		stage, _ := models.StageOf(err)
		log.Warn("Command failed",
			zap.String("stage", string(stage)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	log.Info("Command completed",
		zap.String("platform", string(result.Platform)),
		zap.String("kind", string(result.Kind)),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}

func (g *Gateway) run(ctx context.Context, req Request, log *zap.Logger) (*models.CommandResult, error) {
	host := strings.TrimSpace(req.Host)
	command := strings.TrimSpace(req.Command)
	if host == "" || command == "" {
		return nil, fmt.Errorf("%w: host and command are required", ErrInvalidRequest)
	}

	if req.Policy != nil {
		if err := req.Policy.Check(command); err != nil {
			return nil, g.stageError(models.StagePolicy, host, command, err)
		}
	}

	release, err := g.limiter.Acquire(ctx, host)
	if err != nil {
		return nil, g.stageError(models.StageConnect, host, command, fmt.Errorf("waiting for session slot: %w", err))
	}
	defer release()

	first, err := g.negotiate(ctx, host)
	if err != nil {
		return nil, g.stageError(models.StageConnect, host, command, err)
	}

	platform, classifyErr := g.classifier.Classify(ctx, first)

	var execSession proxy.Session
	switch g.config.SessionPolicy {
	case SessionReuse:
		if classifyErr != nil {
			_ = first.Close()
			return nil, g.stageError(models.StageClassify, host, command, classifyErr)
		}
		execSession = first

	default:
		_ = first.Close()
		if classifyErr != nil {
			log.Warn("Classification failed, using default platform",
				zap.String("platform", string(models.DefaultPlatform)),
				zap.Error(classifyErr),
			)
			platform = models.DefaultPlatform
		}
		execSession, err = g.negotiate(ctx, host)
		if err != nil {
			return nil, g.stageError(models.StageExecute, host, command, err)
		}
	}

	raw, err := g.executor.Execute(ctx, execSession, command)
	if err != nil {
		return nil, g.stageError(models.StageExecute, host, command, err)
	}

	result := g.normalize(platform, command, raw)
	result.Host = host
	return &result, nil
}

func (g *Gateway) normalize(platform models.Platform, command, raw string) models.CommandResult {
	if g.normalizer == nil {
		return models.Raw(platform, command, raw)
	}
	return g.normalizer.Normalize(platform, command, raw)
}

func (g *Gateway) negotiate(ctx context.Context, host string) (proxy.Session, error) {
	s, err := g.negotiator.Negotiate(ctx, host)
	if err != nil {
		return nil, err
	}
	g.metrics.sessionOpened()
	return &trackedSession{Session: s, onClose: g.metrics.sessionClosed}, nil
}

// countUsage reports the invocation in the background. The report outlives
// the request context but not CounterTimeout.
func (g *Gateway) countUsage(ctx context.Context, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.CounterTimeout)
	g.reports.Add(1)
	go func() {
		defer g.reports.Done()
		defer cancel()
		if err := g.counter.Increment(cctx); err != nil {
			log.Warn("Usage counter failed", zap.Error(err))
		}
	}()
}

// Wait blocks until pending usage reports have finished
func (g *Gateway) Wait() {
	g.reports.Wait()
}

func (g *Gateway) stageError(stage models.Stage, host, command string, err error) error {
	return &models.StageError{Stage: stage, Host: host, Command: command, Err: err}
}

// trackedSession reports its close to the in-flight gauge once
type trackedSession struct {
	proxy.Session
	once    sync.Once
	onClose func()
}

func (s *trackedSession) Close() error {
	err := s.Session.Close()
	s.once.Do(s.onClose)
	return err
}
