package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
)

// envProvider wraps with AES-256-GCM under KMS_LOCAL_KEY and reads secrets
// from the process environment. Output is nonce||ciphertext.
type envProvider struct {
	gcm cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY is not base64")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must decode to 32 bytes, got %d", len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &envProvider{gcm: gcm}, nil
}
func (e *envProvider) Name() string { return "local" }
func (e *envProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.gcm.NonceSize(), e.gcm.NonceSize()+len(plaintext)+e.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, aad), nil
}
func (e *envProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := e.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	pt, err := e.gcm.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
func (e *envProvider) Secret(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret %s not set", key)
	}
	return v, nil
}
