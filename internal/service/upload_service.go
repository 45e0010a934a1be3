package service

import (
	"context"
	"fmt"

	"pixshift/internal/repository"
	"pixshift/internal/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UploadService stores original images under the uploads category of their owner.
type UploadService interface {
	Upload(ctx context.Context, userID string, data []byte) (*storage.Object, error)
}

type uploadService struct {
	users   repository.UserRepository
	storage storage.Storage
	maxSize int64
	logger  zerolog.Logger
}

func NewUploadService(users repository.UserRepository, store storage.Storage, maxSize int64, logger zerolog.Logger) UploadService {
	return &uploadService{
		users:   users,
		storage: store,
		maxSize: maxSize,
		logger:  logger.With().Str("service", "UploadService").Logger(),
	}
}

// Upload sniffs the content type from the bytes rather than trusting the client.
func (s *uploadService) Upload(ctx context.Context, userID string, data []byte) (*storage.Object, error) {
	if len(data) == 0 {
		return nil, ErrUnsupportedImage
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return nil, ErrImageTooLarge
	}
	contentType := mimetype.Detect(data).String()
	if !storage.SupportedContentType(contentType) {
		return nil, ErrUnsupportedImage
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	obj, err := s.storage.Put(ctx, data, userID, storage.CategoryUpload, uuid.NewString(), contentType)
	if err != nil {
		return nil, fmt.Errorf("storing upload for %s: %w", userID, err)
	}
	s.logger.Info().Str("user_id", userID).Str("key", obj.Key).Int64("size", obj.Size).Msg("Image uploaded")
	return obj, nil
}
