package kms

import (
	"context"
	"encoding/base64"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

type awsProvider struct {
	keys    *awskms.Client
	secrets *secretsmanager.Client
	keyID   string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	conf, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, errors.Wrap(err, "aws config")
	}
	return &awsProvider{
		keys:    awskms.NewFromConfig(conf),
		secrets: secretsmanager.NewFromConfig(conf),
		keyID:   envOr("KMS_MASTER_KEY_ID", "alias/echobin-master"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws-kms" }
func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(aad)}
}
func (a *awsProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := a.keys.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:             aws.String(a.keyID),
		Plaintext:         plaintext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "kms encrypt")
	}
	return out.CiphertextBlob, nil
}
func (a *awsProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.keys.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "kms decrypt")
	}
	return out.Plaintext, nil
}
func (a *awsProvider) Secret(ctx context.Context, key string) (string, error) {
	out, err := a.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(key)})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if out.SecretString == nil {
		return "", errors.Errorf("secret %s is binary", key)
	}
	return *out.SecretString, nil
}
