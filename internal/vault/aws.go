package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client used
// by AWSVault.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// AWSVault stores secrets in AWS Secrets Manager, one secret per key with
// an optional name prefix.
type AWSVault struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSVault wraps a Secrets Manager client.
func NewAWSVault(client SecretsManagerAPI, prefix string) *AWSVault {
	return &AWSVault{client: client, prefix: prefix}
}

// NewAWSVaultFactory builds a client from "region", "endpoint",
// "access_key_id", "secret_access_key" and "prefix".
func NewAWSVaultFactory(ctx context.Context, settings map[string]interface{}) (Vault, error) {
	region := stringSetting(settings, "region", "us-east-1")
	endpoint := stringSetting(settings, "endpoint", "")
	accessKeyID := stringSetting(settings, "access_key_id", "")
	secretAccessKey := stringSetting(settings, "secret_access_key", "")

	configOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return NewAWSVault(secretsmanager.NewFromConfig(cfg, clientOpts...), stringSetting(settings, "prefix", "camcreds/")), nil
}

func (v *AWSVault) Name() string { return "aws" }

func (v *AWSVault) secretID(key string) string {
	return v.prefix + key
}

func (v *AWSVault) Put(ctx context.Context, key, value string) error {
	_, err := v.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(v.secretID(key)),
		SecretString: aws.String(value),
	})
	if isAWSNotFound(err) {
		_, err = v.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(v.secretID(key)),
			SecretString: aws.String(value),
			Description:  aws.String("camera RTSP secret managed by camcreds"),
		})
	}
	return wrap("aws", "put", key, err)
}

func (v *AWSVault) Get(ctx context.Context, key string) (string, error) {
	out, err := v.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(v.secretID(key)),
	})
	if isAWSNotFound(err) {
		return "", wrap("aws", "get", key, ErrNotFound)
	}
	if err != nil {
		return "", wrap("aws", "get", key, err)
	}
	if out.SecretString == nil {
		return "", wrap("aws", "get", key, errors.New("secret has no string value"))
	}
	return *out.SecretString, nil
}

func (v *AWSVault) Delete(ctx context.Context, key string) error {
	_, err := v.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(v.secretID(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if isAWSNotFound(err) {
		return nil
	}
	return wrap("aws", "delete", key, err)
}

func isAWSNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}
