package ports

import "context"

// SecretStore resolves sensitive configuration (gateway API key, webhook
// signing secret) at startup. Implementations may cache.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}
