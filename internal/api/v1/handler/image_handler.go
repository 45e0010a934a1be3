package handler

import (
	"errors"
	"net/http"
	"strings"

	"pixshift/internal/storage"

	"github.com/rs/zerolog"
)

// SignatureVerifier is implemented by storage.LocalStore.
type SignatureVerifier interface {
	Verify(key, expires, sig string) bool
}

// ImageHandler serves local-backend objects behind signed URLs.
type ImageHandler struct {
	store    storage.Storage
	verifier SignatureVerifier
	logger   zerolog.Logger
}

func NewImageHandler(store storage.Storage, verifier SignatureVerifier, logger zerolog.Logger) *ImageHandler {
	return &ImageHandler{store: store, verifier: verifier, logger: logger.With().Str("handler", "ImageHandler").Logger()}
}

func (h *ImageHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/images/", h.serve)
}

func (h *ImageHandler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/images/")
	q := r.URL.Query()
	if !h.verifier.Verify(key, q.Get("expires"), q.Get("sig")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	data, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(key))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
