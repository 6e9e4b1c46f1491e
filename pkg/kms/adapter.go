package kms

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"echobin/svc/util"

	"github.com/pkg/errors"
)

const callTimeout = 10 * time.Second

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is authenticated but not encrypted. The same context
// must be supplied to unwrap what was wrapped under it.
type EncryptionContext map[string]string

func (ec EncryptionContext) bytes() []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k + "=" + ec[k] + ";")
	}
	return []byte(sb.String())
}

// Provider is one key management backend.
type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	Secret(ctx context.Context, key string) (string, error)
}

// Adapter routes calls to Vault or AWS KMS when one is reachable and to the
// local key otherwise. With failClosed a primary error is returned instead
// of falling back.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

// NewAdapter picks providers from the environment: VAULT_ADDR, then
// AWS_REGION, then KMS_LOCAL_KEY unless KMS_REQUIRE_PRIMARY is set.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	a := &Adapter{
		requirePrimary: strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true"),
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
	}
	if os.Getenv("VAULT_ADDR") != "" {
		p, err := newVaultProvider(ctx)
		if err != nil {
			util.Warn().Err(err).Msg("vault unavailable")
		} else {
			a.primary = p
		}
	}
	if a.primary == nil && os.Getenv("AWS_REGION") != "" {
		p, err := newAWSProvider(ctx)
		if err != nil {
			util.Warn().Err(err).Msg("aws kms unavailable")
		} else {
			a.primary = p
		}
	}
	if a.primary == nil && a.requirePrimary {
		return nil, errors.New("KMS_REQUIRE_PRIMARY=true but neither Vault nor AWS KMS is available")
	}
	if a.primary == nil {
		key := os.Getenv("KMS_LOCAL_KEY")
		if key == "" {
			return nil, errors.New("no KMS provider configured (VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY)")
		}
		p, err := newEnvProvider(key)
		if err != nil {
			return nil, errors.Wrap(err, "local kms key")
		}
		a.fallback = p
	}
	return a, nil
}

// do runs fn on the primary and falls back when policy allows.
func do[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if a.primary != nil {
		v, err := fn(ctx, a.primary)
		if err == nil {
			return v, nil
		}
		if a.requirePrimary || a.failClosed {
			return zero, errors.Wrapf(err, "%s %s", a.primary.Name(), op)
		}
		util.Warn().Err(err).Str("op", op).Msg("primary kms failed, using fallback")
	}
	if a.fallback == nil {
		return zero, ErrProviderUnavailable
	}
	return fn(ctx, a.fallback)
}

func (a *Adapter) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	return do(ctx, a, "wrap", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Wrap(ctx, plaintext, ec.bytes())
	})
}
func (a *Adapter) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	return do(ctx, a, "unwrap", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Unwrap(ctx, ciphertext, ec.bytes())
	})
}

// GetSecret reads a named secret such as ARGON2_PEPPER or GITHUB_TOKEN.
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	return do(ctx, a, "secret", func(ctx context.Context, p Provider) (string, error) {
		v, err := p.Secret(ctx, key)
		if err == nil && v == "" {
			err = errors.Errorf("secret %s is empty", key)
		}
		return v, err
	})
}
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
