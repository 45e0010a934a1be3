package router

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/config"
	"pixshift/internal/metrics"
	"pixshift/internal/model"
	"pixshift/internal/pgmq"
	"pixshift/internal/pubsub"
	"pixshift/internal/repository/memory"
	"pixshift/internal/service"
	"pixshift/internal/storage"
	"pixshift/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "router-secret"
	operatorToken = "operator-token"
)

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake")

type echoTransformer struct{}

func (echoTransformer) Transform(_ context.Context, req service.TransformRequest) (*service.TransformResult, error) {
	return &service.TransformResult{Image: append([]byte("out:"), req.Image...), MimeType: "image/png"}, nil
}

type fixture struct {
	handler         http.Handler
	store           *memory.Store
	transformations service.TransformationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := storage.NewLocalStore(t.TempDir(), "http://localhost/v1/images", "signing-key")
	require.NoError(t, err)
	catalog, err := config.LoadPricingCatalog("")
	require.NoError(t, err)
	store := memory.NewStore()
	queue := pgmq.NewMemoryQueue()
	m := metrics.New()
	logger := zerolog.Nop()
	events := &pubsub.RecordingPublisher{}

	ledger := service.NewLedgerService(store.Usage(), 5, m, logger)
	usage := service.NewUsageService(service.UsageDeps{
		Ledger:          ledger,
		Transformations: store.Transformations(),
		Billing:         store.Billing(),
		Catalog:         catalog,
	}, logger)
	billing := service.NewBillingService(store.Billing(), service.NewStripeGateway("sk_test_unused", "whsec_test"), events, m, logger)
	transformations := service.NewTransformationService(service.TransformationDeps{
		Transformations: store.Transformations(),
		Types:           store.Types(),
		Users:           store.Users(),
		Storage:         local,
		Ledger:          ledger,
		Billing:         billing,
		Catalog:         catalog,
		Transformer:     echoTransformer{},
		Queue:           service.NewJobQueue(queue, "transform_queue"),
		Events:          events,
		Metrics:         m,
	}, logger)
	retention := service.NewRetentionService(service.RetentionDeps{
		Transformations: store.Transformations(),
		Tokens:          service.NewTokenService(store.Tokens(), logger),
		Storage:         local,
		Scheduler:       service.NewPurgeScheduler(queue, "purge_queue"),
		Events:          events,
		Metrics:         m,
	}, service.RetentionConfig{Window: 5 * time.Minute, GraceDelay: 30 * time.Second}, logger)

	store.PutType(&model.TransformationType{ID: "cartoon", Name: "Cartoon", Enabled: true})
	require.NoError(t, store.Users().CreateUser(context.Background(), &model.User{ID: "u1", Email: "u1@example.com"}))

	cfg := &config.Config{JWTSecret: jwtSecret, OperatorToken: operatorToken, MaxUploadSizeMB: 1}
	return &fixture{
		handler: New(cfg, Deps{
			Ledger:          ledger,
			Usage:           usage,
			Billing:         billing,
			Transformations: transformations,
			Retention:       retention,
			Uploads:         service.NewUploadService(store.Users(), local, cfg.MaxUploadSize(), logger),
			Users:           service.NewUserService(store.Users(), catalog, logger),
			Storage:         local,
			Metrics:         m,
		}, logger),
		store:           store,
		transformations: transformations,
	}
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, util.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *fixture) do(t *testing.T, method, target, auth string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func multipartImage(t *testing.T, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	auth := bearer(t, "u1")

	body, ct := multipartImage(t, pngImage)
	rec := f.do(t, http.MethodPost, "/v1/uploads", auth, body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	upload := decode[dto.UploadResponseDTO](t, rec)
	assert.Equal(t, "image/png", upload.ContentType)

	req, _ := json.Marshal(dto.CreateTransformationRequest{ImageRef: upload.ImageRef, TypeID: "cartoon", Prompt: "pastel"})
	rec = f.do(t, http.MethodPost, "/v1/transformations", auth, req, "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[dto.TransformationResponseDTO](t, rec)
	assert.Equal(t, "PENDING", created.Status)

	// Not downloadable until a worker processes it.
	rec = f.do(t, http.MethodGet, "/v1/transformations/"+created.ID+"/download", auth, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.transformations.Process(context.Background(), created.ID))
	rec = f.do(t, http.MethodGet, "/v1/transformations/"+created.ID, auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	polled := decode[dto.TransformationResponseDTO](t, rec)
	assert.Equal(t, "COMPLETED", polled.Status)
	assert.True(t, polled.Downloadable)

	rec = f.do(t, http.MethodGet, "/v1/transformations/"+created.ID+"/download", auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dl := decode[dto.DownloadResponseDTO](t, rec)
	u, err := url.Parse(dl.URL)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, u.RequestURI(), "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, append([]byte("out:"), pngImage...), rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, "/v1/usage", auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[service.FreeTierStatus](t, rec)
	assert.Equal(t, 1, usage.Used)
	assert.Equal(t, 4, usage.Remaining)

	rec = f.do(t, http.MethodGet, "/v1/usage/statistics", auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[service.UsageStatistics](t, rec)
	assert.Equal(t, 1, stats.TotalTransformations)
	assert.Equal(t, 1, stats.FreeTransformations)
	assert.Zero(t, stats.PaidTransformations)
	assert.Empty(t, stats.Spent)

	rec = f.do(t, http.MethodGet, "/v1/usage/upgrade-prompt", auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	prompt := decode[service.UpgradePrompt](t, rec)
	assert.False(t, prompt.ShouldUpgrade)
	assert.Equal(t, 4, prompt.FreeTier.Remaining)
	require.Len(t, prompt.Options, 2)
	assert.Equal(t, "basic", prompt.Options[0].TierID)
	assert.Equal(t, "premium", prompt.Options[1].TierID)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	auth := bearer(t, "u1")
	require.NoError(t, f.store.Users().CreateUser(context.Background(), &model.User{ID: "broke", Email: "b@example.com", FreeTierUsed: 5}))

	body, ct := multipartImage(t, pngImage)
	rec := f.do(t, http.MethodPost, "/v1/uploads", bearer(t, "broke"), body, ct)
	require.Equal(t, http.StatusCreated, rec.Code)
	brokeUpload := decode[dto.UploadResponseDTO](t, rec)

	create := func(ref, typeID string) []byte {
		b, _ := json.Marshal(dto.CreateTransformationRequest{ImageRef: ref, TypeID: typeID})
		return b
	}

	tests := []struct {
		name   string
		auth   string
		method string
		path   string
		body   []byte
		status int
		code   string
	}{
		{"missing token", "", http.MethodGet, "/v1/usage", nil, http.StatusUnauthorized, ""},
		{"statistics without token", "", http.MethodGet, "/v1/usage/statistics", nil, http.StatusUnauthorized, ""},
		{"upgrade prompt for unknown user", bearer(t, "ghost"), http.MethodGet, "/v1/usage/upgrade-prompt", nil, http.StatusNotFound, "user_not_found"},
		{"malformed json", auth, http.MethodPost, "/v1/transformations", []byte("{"), http.StatusBadRequest, "invalid_json"},
		{"missing fields", auth, http.MethodPost, "/v1/transformations", []byte(`{}`), http.StatusBadRequest, "validation_failed"},
		{"foreign image", auth, http.MethodPost, "/v1/transformations", create(brokeUpload.ImageRef, "cartoon"), http.StatusBadRequest, "invalid_image_reference"},
		{"unknown type", auth, http.MethodPost, "/v1/transformations", create("uploads/u1/x.png", "nope"), http.StatusNotFound, "transformation_type_not_found"},
		{"free tier exhausted", bearer(t, "broke"), http.MethodPost, "/v1/transformations", create(brokeUpload.ImageRef, "cartoon"), http.StatusPaymentRequired, "free_tier_exhausted"},
		{"unknown transformation", auth, http.MethodGet, "/v1/transformations/missing", nil, http.StatusNotFound, "transformation_not_found"},
		{"bad webhook signature", "", http.MethodPost, "/v1/webhooks/stripe", []byte(`{"id":"evt_1"}`), http.StatusBadRequest, "invalid_signature"},
		{"admin without token", auth, http.MethodPost, "/v1/admin/cleanup/sweep", nil, http.StatusForbidden, ""},
		{"bad history limit", auth, http.MethodGet, "/v1/billing/records?limit=0", nil, http.StatusBadRequest, "invalid_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.auth, tt.body, "application/json")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[dto.ErrorResponse](t, rec).Code)
			}
		})
	}
}

func TestUploadRejectsNonImages(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartImage(t, []byte("just some text"))
	rec := f.do(t, http.MethodPost, "/v1/uploads", bearer(t, "u1"), body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_image_type", decode[dto.ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/uploads", bearer(t, "u1"), []byte("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	op := "Bearer " + operatorToken

	rec := f.do(t, http.MethodPost, "/v1/admin/cleanup/sweep", op, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[dto.SweepResponseDTO](t, rec).Purged)

	rec = f.do(t, http.MethodPost, "/v1/admin/sessions/expired", op, []byte(`{"user_id":"u1"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[dto.PurgeResponseDTO](t, rec).Purged)

	rec = f.do(t, http.MethodPost, "/v1/admin/sessions/expired", op, []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImagesRequireValidSignature(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/images/uploads/u1/x.png?expires=9999999999&sig=forged", "", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.do(t, http.MethodGet, "/v1/usage", bearer(t, "u1"), nil, "")
	rec = f.do(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pixshift_http_requests_total"), "metrics exposition lacks request counter")
}

func TestUserProfile(t *testing.T) {
	f := newFixture(t)
	auth := bearer(t, "u2")

	rec := f.do(t, http.MethodGet, "/v1/users/me", auth, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/users/me", auth, []byte(`{"email":"not-an-email"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/users/me", auth, []byte(`{"email":"u2@example.com","pricing_tier":"gold"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_pricing_tier", decode[dto.ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/users/me", auth, []byte(`{"email":"u2@example.com"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[dto.UserResponseDTO](t, rec)
	assert.Equal(t, "u2", created.UserID)
	assert.Equal(t, 0, created.FreeTierUsed)

	rec = f.do(t, http.MethodPost, "/v1/users/me", auth, []byte(`{"email":"u2@example.com"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/users/me/tier", auth, []byte(`{"pricing_tier":"premium"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "premium", decode[dto.UserResponseDTO](t, rec).PricingTier)

	rec = f.do(t, http.MethodGet, "/v1/users/me", auth, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "premium", decode[dto.UserResponseDTO](t, rec).PricingTier)

	rec = f.do(t, http.MethodPut, "/v1/users/me/tier", bearer(t, "ghost"), []byte(`{"pricing_tier":"basic"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
