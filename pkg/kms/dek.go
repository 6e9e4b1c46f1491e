package kms

import (
	"context"
	"crypto/rand"
	"strconv"

	"echobin/metrics"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// GenerateDEK returns a fresh 256-bit data key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305 under dek. aad is bound to the
// ciphertext and must be supplied again to AEADOpen.
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return aead.Seal(out, out, plaintext, aad), nil
}
func AEADOpen(sealed, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}
	n := aead.NonceSize()
	pt, err := aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	return pt, nil
}

// FileAAD binds a sealed file to its paste and position so ciphertexts
// cannot be moved between rows.
func FileAAD(pasteID string, index int) []byte {
	return []byte(pasteID + "/" + strconv.Itoa(index))
}

// WrapDEK encrypts a paste's data key under the master key, bound to the
// paste id.
func WrapDEK(ctx context.Context, a *Adapter, dek []byte, pasteID string) ([]byte, error) {
	metrics.EncryptionOps.WithLabelValues("wrap").Inc()
	return a.Wrap(ctx, dek, EncryptionContext{"paste_id": pasteID})
}
func UnwrapDEK(ctx context.Context, a *Adapter, wrapped []byte, pasteID string) ([]byte, error) {
	metrics.EncryptionOps.WithLabelValues("unwrap").Inc()
	return a.Unwrap(ctx, wrapped, EncryptionContext{"paste_id": pasteID})
}
