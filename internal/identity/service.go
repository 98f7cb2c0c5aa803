package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

const maxUsernameLength = 64

// ServiceConfig contains configuration for the identity service
type ServiceConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	BcryptCost  int           `mapstructure:"bcrypt_cost"`
}

// Service manages API accounts and their bearer tokens
type Service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	cost   int
	logger *zap.Logger
}

type tokenClaims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// NewService creates a new identity service
func NewService(repo Repository, config ServiceConfig, logger *zap.Logger) (*Service, error) {
	if config.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 600 * time.Second
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		secret: []byte(config.TokenSecret),
		ttl:    config.TokenTTL,
		cost:   config.BcryptCost,
		logger: logger,
	}, nil
}

// TokenTTL returns the lifetime of issued tokens
func (s *Service) TokenTTL() time.Duration {
	return s.ttl
}

// CreateUser creates an account with a bcrypt password hash
func (s *Service) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, models.NewAPIError(models.CodeInvalidRequest, "username and password are required")
	}
	if len(username) > maxUsernameLength {
		return nil, models.NewAPIError(models.CodeInvalidRequest, "username is too long")
	}

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, models.ErrUserExists
	} else if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.NewUser(username, hash)
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User created",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username),
	)
	return user, nil
}

// GetUser retrieves a user by ID
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.repo.GetByID(ctx, id)
}

// VerifyPassword reports whether password matches the user's hash
func (s *Service) VerifyPassword(user *models.User, password string) bool {
	return bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) == nil
}

// IssueToken signs an HS256 token carrying the user ID and expiry
func (s *Service) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID: user.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a token and returns its user
func (s *Service) VerifyToken(ctx context.Context, token string) (*models.User, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", models.ErrInvalidToken)
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown user", models.ErrInvalidToken)
		}
		return nil, err
	}
	return user, nil
}

// Authenticate accepts either a bearer token in the username position or a
// username/password pair. Token verification is tried first.
func (s *Service) Authenticate(ctx context.Context, usernameOrToken, password string) (*models.User, error) {
	if usernameOrToken == "" {
		return nil, models.ErrInvalidCredentials
	}

	if user, err := s.VerifyToken(ctx, usernameOrToken); err == nil {
		return user, nil
	}

	user, err := s.repo.GetByUsername(ctx, usernameOrToken)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, models.ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.VerifyPassword(user, password) {
		s.logger.Debug("Password rejected", zap.String("username", user.Username))
		return nil, models.ErrInvalidCredentials
	}
	return user, nil
}
