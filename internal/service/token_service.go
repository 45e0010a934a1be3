package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"pixshift/internal/model"
	"pixshift/internal/repository"

	"github.com/rs/zerolog"
)

const tokenDigits = 6

// TokenService issues single-use verification tokens for OTP and password-reset flows. An unexpired
// token for an identifier doubles as its resend cooldown.
type TokenService interface {
	Issue(ctx context.Context, identifier string, ttl time.Duration) (*model.VerificationToken, error)
	Verify(ctx context.Context, identifier, token string) error
	InCooldown(ctx context.Context, identifier string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type tokenService struct {
	repo   repository.VerificationTokenRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewTokenService(repo repository.VerificationTokenRepository, logger zerolog.Logger) TokenService {
	return &tokenService{
		repo:   repo,
		logger: logger.With().Str("service", "TokenService").Logger(),
		now:    time.Now,
	}
}

func (s *tokenService) Issue(ctx context.Context, identifier string, ttl time.Duration) (*model.VerificationToken, error) {
	code, err := randomDigits(tokenDigits)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	now := s.now()
	t := &model.VerificationToken{Identifier: identifier, Token: code, Expires: now.Add(ttl)}
	created, err := s.repo.CreateIfIdle(ctx, t, now)
	if err != nil {
		return nil, fmt.Errorf("storing token for %s: %w", identifier, err)
	}
	if !created {
		return nil, ErrCooldownActive
	}
	s.logger.Info().Str("identifier", identifier).Time("expires", t.Expires).Msg("Verification token issued")
	return t, nil
}

func (s *tokenService) Verify(ctx context.Context, identifier, token string) error {
	ok, err := s.repo.Consume(ctx, identifier, token, s.now())
	if err != nil {
		return fmt.Errorf("consuming token for %s: %w", identifier, err)
	}
	if !ok {
		return ErrInvalidToken
	}
	return nil
}

func (s *tokenService) InCooldown(ctx context.Context, identifier string) (bool, error) {
	ok, err := s.repo.HasUnexpired(ctx, identifier, s.now())
	if err != nil {
		return false, fmt.Errorf("checking tokens for %s: %w", identifier, err)
	}
	return ok, nil
}

func (s *tokenService) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

func randomDigits(n int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < n; i++ {
		max.Mul(max, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
