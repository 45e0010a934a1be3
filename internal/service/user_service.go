package service

import (
	"context"
	"errors"

	"pixshift/internal/config"
	"pixshift/internal/model"
	"pixshift/internal/repository"

	"github.com/rs/zerolog"
)

type UserService interface {
	Create(ctx context.Context, u *model.User) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
	// SelectTier switches the pricing tier billing uses for the user. An empty tier clears the selection.
	SelectTier(ctx context.Context, id, tier string) (*model.User, error)
}

type userService struct {
	userRepo repository.UserRepository
	catalog  *config.PricingCatalog
	logger   zerolog.Logger
}

func NewUserService(userRepo repository.UserRepository, catalog *config.PricingCatalog, logger zerolog.Logger) UserService {
	return &userService{
		userRepo: userRepo,
		catalog:  catalog,
		logger:   logger.With().Str("service", "UserService").Logger(),
	}
}

func (s *userService) Create(ctx context.Context, u *model.User) (*model.User, error) {
	if u.PricingTier != nil {
		if err := s.checkTier(*u.PricingTier); err != nil {
			return nil, err
		}
	}
	existing, err := s.userRepo.GetUserByID(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}
	u.FreeTierUsed = 0
	if err := s.userRepo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID).Str("tier", u.Tier()).Msg("User created")
	return u, nil
}

func (s *userService) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.userRepo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *userService) SelectTier(ctx context.Context, id, tier string) (*model.User, error) {
	var selected *string
	if tier != "" {
		if err := s.checkTier(tier); err != nil {
			return nil, err
		}
		selected = &tier
	}
	if err := s.userRepo.SetPricingTier(ctx, id, selected); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *userService) checkTier(tier string) error {
	if _, ok := s.catalog.Lookup(tier); !ok {
		return ErrUnknownTier
	}
	return nil
}
