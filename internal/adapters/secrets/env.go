package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/brightnest/billing-service/internal/domain/ports"
)

// EnvStore resolves secrets from environment variables. Development only;
// the secret name is upper-cased with separators mapped to underscores, so
// "billing/gateway-api-key" reads BILLING_GATEWAY_API_KEY.
type EnvStore struct{}

var _ ports.SecretStore = EnvStore{}

// NewEnvStore creates an environment-backed secret store
func NewEnvStore() EnvStore {
	return EnvStore{}
}

// GetSecret reads the secret from the mapped environment variable
func (EnvStore) GetSecret(ctx context.Context, name string) (string, error) {
	key := strings.ToUpper(name)
	key = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret not found in environment: %s", key)
	}
	return value, nil
}
