package handler

import (
	"errors"
	"io"
	"net/http"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

// UploadHandler accepts original images.
type UploadHandler struct {
	uploads service.UploadService
	maxSize int64
	logger  zerolog.Logger
}

func NewUploadHandler(uploads service.UploadService, maxSize int64, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{uploads: uploads, maxSize: maxSize, logger: logger.With().Str("handler", "UploadHandler").Logger()}
}

func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/uploads", authMw(http.HandlerFunc(h.upload)))
}

// upload godoc
// @Summary Upload an image
// @Description Stores a JPEG, PNG or WebP image sent as the "image" multipart field.
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param image formData file true "Image file"
// @Success 201 {object} dto.UploadResponseDTO
// @Failure 400 {object} dto.ErrorResponse
// @Router /uploads [post]
func (h *UploadHandler) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	// Room for the multipart envelope on top of the image itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1<<20)
	file, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, h.logger, service.ErrImageTooLarge)
			return
		}
		badRequest(w, h.logger, "missing_image", "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxSize+1))
	if err != nil {
		badRequest(w, h.logger, "unreadable_image", "failed to read image")
		return
	}
	obj, err := h.uploads.Upload(r.Context(), userID, data)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, dto.UploadResponseDTO{
		ImageRef:    obj.Key,
		URL:         obj.URL,
		ContentType: obj.ContentType,
		Size:        obj.Size,
	})
}
