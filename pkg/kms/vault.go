package kms

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// vaultProvider wraps keys with the transit engine and reads KV v2 secrets.
type vaultProvider struct {
	client  *vault.Client
	transit string
	keyName string
	kvPath  string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	conf := vault.DefaultConfig()
	conf.Address = os.Getenv("VAULT_ADDR")
	conf.Timeout = 5 * time.Second
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, errors.Wrap(err, "vault client")
	}
	token := os.Getenv("VAULT_TOKEN")
	if file := os.Getenv("VAULT_TOKEN_FILE"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		token = strings.TrimSpace(string(b))
	}
	if token != "" {
		client.SetToken(token)
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(hctx); err != nil {
		return nil, errors.Wrap(err, "vault health")
	}
	return &vaultProvider{
		client:  client,
		transit: envOr("VAULT_MOUNT_PATH", "transit"),
		keyName: envOr("VAULT_KEY_ID", "echobin-master"),
		kvPath:  envOr("VAULT_SECRET_PATH", "secret/data/echobin"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) transitCall(ctx context.Context, op string, data map[string]any, aad []byte) (map[string]any, error) {
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	s, err := v.client.Logical().WriteWithContext(ctx, v.transit+"/"+op+"/"+v.keyName, data)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.Errorf("vault %s: empty response", op)
	}
	return s.Data, nil
}
func (v *vaultProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := v.transitCall(ctx, "encrypt", map[string]any{"plaintext": base64.StdEncoding.EncodeToString(plaintext)}, aad)
	if err != nil {
		return nil, err
	}
	ct, ok := out["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault encrypt: no ciphertext")
	}
	return []byte(ct), nil
}
func (v *vaultProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := v.transitCall(ctx, "decrypt", map[string]any{"ciphertext": string(ciphertext)}, aad)
	if err != nil {
		return nil, err
	}
	pt, ok := out["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault decrypt: no plaintext")
	}
	return base64.StdEncoding.DecodeString(pt)
}
func (v *vaultProvider) Secret(ctx context.Context, key string) (string, error) {
	s, err := v.client.Logical().ReadWithContext(ctx, v.kvPath+"/"+key)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", errors.Errorf("vault secret %s not found", key)
	}
	data, _ := s.Data["data"].(map[string]any)
	val, ok := data["value"].(string)
	if !ok {
		return "", errors.Errorf("vault secret %s has no value field", key)
	}
	return val, nil
}
