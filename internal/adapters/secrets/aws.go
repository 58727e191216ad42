// Package secrets provides SecretStore implementations. Production uses AWS
// Secrets Manager; local development reads from the environment.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/domain/ports"
)

// AWSConfig configures the AWS Secrets Manager store
type AWSConfig struct {
	Region string
	// Profile selects a shared-config profile for local development; empty
	// uses the default credentials chain (IAM role in production).
	Profile string
	// Endpoint overrides the API endpoint (LocalStack testing).
	Endpoint string
	// CacheTTL bounds how long a fetched secret is reused.
	CacheTTL time.Duration
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSStore implements SecretStore on AWS Secrets Manager with a TTL cache
type AWSStore struct {
	client *secretsmanager.Client
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ ports.SecretStore = (*AWSStore)(nil)

// NewAWSStore creates a Secrets Manager backed store
func NewAWSStore(ctx context.Context, cfg AWSConfig, logger *zap.Logger) (*AWSStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	logger.Info("AWS Secrets Manager store initialized",
		zap.String("region", cfg.Region),
		zap.Duration("cache_ttl", cfg.CacheTTL))

	return &AWSStore{
		client: secretsmanager.NewFromConfig(awsConfig, clientOpts...),
		ttl:    cfg.CacheTTL,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// GetSecret fetches a secret value, serving from cache while fresh
func (s *AWSStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	entry, ok := s.cache[name]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", name)
	}

	s.mu.Lock()
	s.cache[name] = cacheEntry{value: *out.SecretString, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return *out.SecretString, nil
}
