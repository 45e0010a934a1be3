package service

import (
	"context"
	"errors"
	"testing"

	"pixshift/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccessor map[string]string

func (f fakeAccessor) AccessSecret(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &config.Config{
		JWTSecret:           "plain",
		StripeSecretKey:     "sm://projects/p/secrets/stripe/versions/latest",
		StripeWebhookSecret: "sm://projects/p/secrets/webhook/versions/2",
	}
	require.True(t, HasSecretRefs(cfg))

	acc := fakeAccessor{
		"projects/p/secrets/stripe/versions/latest": "sk_test_123\n",
		"projects/p/secrets/webhook/versions/2":     "whsec_456",
	}
	require.NoError(t, ResolveSecrets(context.Background(), cfg, acc))
	assert.Equal(t, "plain", cfg.JWTSecret)
	assert.Equal(t, "sk_test_123", cfg.StripeSecretKey)
	assert.Equal(t, "whsec_456", cfg.StripeWebhookSecret)
	assert.False(t, HasSecretRefs(cfg))
}

func TestResolveSecretsReportsMissingSecret(t *testing.T) {
	cfg := &config.Config{OperatorToken: "sm://projects/p/secrets/missing/versions/1"}
	err := ResolveSecrets(context.Background(), cfg, fakeAccessor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_TOKEN")
}

func TestLoadSecretsWithoutRefsSkipsClient(t *testing.T) {
	cfg := &config.Config{JWTSecret: "plain"}
	assert.NoError(t, LoadSecrets(context.Background(), cfg))
}
