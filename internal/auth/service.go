package auth

import (
	"sync"
	"time"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/logging"
)

// Service authenticates the single configured operator and issues
// tokens for them. The active refresh token is held in memory as a
// hash; a process restart requires a fresh login.
type Service struct {
	jwt       *JWTManager
	passwords *PasswordManager
	cfg       config.AuthConfig
	log       *logging.Logger

	mu            sync.Mutex
	refreshHash   string
	refreshExpiry time.Time
}

func NewService(cfg config.AuthConfig, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		jwt:       NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration, cfg.RefreshTokenDuration),
		passwords: NewPasswordManager(DefaultBcryptCost, cfg.MinPasswordLength),
		cfg:       cfg,
		log:       log.WithComponent("auth"),
	}
}

// JWT exposes the token manager for middleware wiring.
func (s *Service) JWT() *JWTManager {
	return s.jwt
}

// Login verifies the operator credential and returns a token pair.
func (s *Service) Login(req LoginRequest) (*TokenPair, error) {
	if s.cfg.AdminPasswordHash == "" {
		return nil, ErrLoginNotConfigured
	}
	if req.Username != s.cfg.AdminUser || !s.passwords.VerifyPassword(req.Password, s.cfg.AdminPasswordHash) {
		s.log.Warn("failed login attempt", "username", req.Username)
		return nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens()
	if err != nil {
		return nil, err
	}

	s.log.Info("operator logged in", "username", req.Username)
	return pair, nil
}

// Refresh exchanges a live refresh token for a new token pair. The old
// refresh token is invalidated in the same step.
func (s *Service) Refresh(req RefreshRequest) (*TokenPair, error) {
	s.mu.Lock()
	hash := s.refreshHash
	expiry := s.refreshExpiry
	s.mu.Unlock()

	if hash == "" || HashRefreshToken(req.RefreshToken) != hash {
		s.log.Warn("refresh attempt with unknown token")
		return nil, ErrInvalidToken
	}
	if time.Now().After(expiry) {
		return nil, ErrTokenExpired
	}

	pair, err := s.issueTokens()
	if err != nil {
		return nil, err
	}

	s.log.Debug("refresh token rotated")
	return pair, nil
}

// Logout invalidates the active refresh token. Outstanding access
// tokens keep working until they expire.
func (s *Service) Logout(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshHash != "" && HashRefreshToken(refreshToken) == s.refreshHash {
		s.refreshHash = ""
		s.refreshExpiry = time.Time{}
		s.log.Info("operator logged out")
	}
}

func (s *Service) issueTokens() (*TokenPair, error) {
	accessToken, err := s.jwt.GenerateAccessToken(OperatorClaims{Username: s.cfg.AdminUser, Role: "admin"})
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.refreshHash = HashRefreshToken(refreshToken)
	s.refreshExpiry = time.Now().Add(s.jwt.GetRefreshTokenDuration())
	s.mu.Unlock()

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.jwt.GetAccessTokenDuration(),
		TokenType:    "Bearer",
	}, nil
}
