package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/model"
	"pixshift/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// TransformationHandler handles transformation submission, status polls and downloads.
type TransformationHandler struct {
	transformations service.TransformationService
	retention       service.RetentionService
	validate        *validator.Validate
	logger          zerolog.Logger
}

func NewTransformationHandler(transformations service.TransformationService, retention service.RetentionService, validate *validator.Validate, logger zerolog.Logger) *TransformationHandler {
	return &TransformationHandler{
		transformations: transformations,
		retention:       retention,
		validate:        validate,
		logger:          logger.With().Str("handler", "TransformationHandler").Logger(),
	}
}

// RegisterRoutes mounts transformation routes
func (h *TransformationHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/transformations", authMw(http.HandlerFunc(h.createTransformation)))
	mux.Handle("/transformations/", authMw(http.HandlerFunc(h.handleTransformation)))
	mux.Handle("/transformation-types", authMw(http.HandlerFunc(h.listTypes)))
}

// handleTransformation dispatches /transformations/{id} and /transformations/{id}/download.
func (h *TransformationHandler) handleTransformation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/transformations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		h.getTransformation(w, r, id)
	case "download":
		h.download(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// createTransformation godoc
// @Summary Submit a transformation
// @Description Validates the request, records a PENDING transformation and queues it for processing.
// @Tags transformations
// @Accept json
// @Produce json
// @Param transformation body dto.CreateTransformationRequest true "Transformation request"
// @Success 202 {object} dto.TransformationResponseDTO
// @Failure 400 {object} dto.ErrorResponse
// @Failure 402 {object} dto.ErrorResponse "free tier exhausted"
// @Failure 404 {object} dto.ErrorResponse
// @Router /transformations [post]
func (h *TransformationHandler) createTransformation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/transformations" {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req dto.CreateTransformationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.logger, "invalid_json", "Invalid JSON payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		badRequest(w, h.logger, "validation_failed", "Validation failed: "+err.Error())
		return
	}
	t, err := h.transformations.Create(r.Context(), userID, service.CreateTransformationInput{
		ImageRef: req.ImageRef,
		TypeID:   req.TypeID,
		Prompt:   req.Prompt,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, toTransformationDTO(t))
}

// getTransformation godoc
// @Summary Get a transformation
// @Tags transformations
// @Produce json
// @Param transformationId path string true "Transformation ID"
// @Success 200 {object} dto.TransformationResponseDTO
// @Failure 404 {object} dto.ErrorResponse
// @Router /transformations/{transformationId} [get]
func (h *TransformationHandler) getTransformation(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	t, err := h.transformations.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toTransformationDTO(t))
}

// download godoc
// @Summary Get a download link for the transformed image
// @Description Returns a signed URL. The images are purged shortly after the first download.
// @Tags transformations
// @Produce json
// @Param transformationId path string true "Transformation ID"
// @Success 200 {object} dto.DownloadResponseDTO
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "not downloadable"
// @Router /transformations/{transformationId}/download [get]
func (h *TransformationHandler) download(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	dl, err := h.retention.ServeDownload(r.Context(), userID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.DownloadResponseDTO{URL: dl.URL, ContentType: dl.ContentType, ExpiresAt: dl.ExpiresAt})
}

// listTypes godoc
// @Summary List enabled transformation types
// @Tags transformations
// @Produce json
// @Success 200 {array} dto.TransformationTypeDTO
// @Router /transformation-types [get]
func (h *TransformationHandler) listTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	types, err := h.transformations.ListTypes(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := make([]dto.TransformationTypeDTO, 0, len(types))
	for _, t := range types {
		resp = append(resp, dto.TransformationTypeDTO{ID: t.ID, Name: t.Name, Description: t.Description})
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func toTransformationDTO(t *model.Transformation) dto.TransformationResponseDTO {
	return dto.TransformationResponseDTO{
		ID:           t.ID,
		TypeID:       t.TypeID,
		Status:       string(t.Status),
		Prompt:       t.Prompt,
		ErrorMessage: t.ErrorMessage,
		Downloadable: t.Status == model.TransformationCompleted && t.TransformedImageKey != nil,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		DownloadedAt: t.DownloadedAt,
		DeletedAt:    t.DeletedAt,
	}
}
