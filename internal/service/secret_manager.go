package service

import (
	"context"
	"fmt"
	"strings"

	"pixshift/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretRefPrefix marks a config value stored in Secret Manager, e.g.
// sm://projects/p/secrets/stripe-key/versions/latest.
const SecretRefPrefix = "sm://"

type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

type secretManagerAccessor struct {
	client *secretmanager.Client
}

func NewSecretManagerAccessor(ctx context.Context, opts ...option.ClientOption) (SecretAccessor, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerAccessor{client: client}, nil
}

func (s *secretManagerAccessor) AccessSecret(ctx context.Context, name string) (string, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

// secretFields lists the config values that may hold secret references.
func secretFields(cfg *config.Config) map[string]*string {
	return map[string]*string{
		"DB_CONNECTION_STRING":  &cfg.DBConnectionString,
		"JWT_SECRET":            &cfg.JWTSecret,
		"OPERATOR_TOKEN":        &cfg.OperatorToken,
		"S3_ACCESS_KEY":         &cfg.S3AccessKey,
		"S3_SECRET_KEY":         &cfg.S3SecretKey,
		"TRANSFORM_API_KEY":     &cfg.TransformAPIKey,
		"STRIPE_SECRET_KEY":     &cfg.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": &cfg.StripeWebhookSecret,
		"REDIS_URL":             &cfg.RedisURL,
	}
}

// HasSecretRefs reports whether any config value needs resolving.
func HasSecretRefs(cfg *config.Config) bool {
	for _, v := range secretFields(cfg) {
		if strings.HasPrefix(*v, SecretRefPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every sm:// value in cfg with the secret it names.
func ResolveSecrets(ctx context.Context, cfg *config.Config, acc SecretAccessor) error {
	for env, v := range secretFields(cfg) {
		if !strings.HasPrefix(*v, SecretRefPrefix) {
			continue
		}
		secret, err := acc.AccessSecret(ctx, strings.TrimPrefix(*v, SecretRefPrefix))
		if err != nil {
			return fmt.Errorf("resolving %s: %w", env, err)
		}
		*v = strings.TrimSpace(secret)
	}
	return nil
}

// LoadSecrets resolves secret references through Secret Manager. No client is created when
// cfg holds no references.
func LoadSecrets(ctx context.Context, cfg *config.Config) error {
	if !HasSecretRefs(cfg) {
		return nil
	}
	acc, err := NewSecretManagerAccessor(ctx)
	if err != nil {
		return err
	}
	if c, ok := acc.(*secretManagerAccessor); ok {
		defer c.client.Close()
	}
	return ResolveSecrets(ctx, cfg, acc)
}
