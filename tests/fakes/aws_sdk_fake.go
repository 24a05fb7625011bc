package fakes

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// FakeSecretsManagerClient is an in-memory AWS Secrets Manager.
type FakeSecretsManagerClient struct {
	mu sync.Mutex
	// Secrets maps secret ids to their string values
	Secrets map[string]string
	// Errors maps secret ids to errors to return from every call
	Errors map[string]error
	// Created records ids passed to CreateSecret
	Created []string
}

// NewFakeSecretsManagerClient creates an empty client.
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{
		Secrets: make(map[string]string),
		Errors:  make(map[string]error),
	}
}

// AddSecretString seeds a secret.
func (f *FakeSecretsManagerClient) AddSecretString(id, value string) *FakeSecretsManagerClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Secrets[id] = value
	return f
}

func (f *FakeSecretsManagerClient) notFound(id string) error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret: " + id)}
}

func (f *FakeSecretsManagerClient) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.SecretId)
	if err := f.Errors[id]; err != nil {
		return nil, err
	}
	v, ok := f.Secrets[id]
	if !ok {
		return nil, f.notFound(id)
	}
	return &secretsmanager.GetSecretValueOutput{Name: aws.String(id), SecretString: aws.String(v)}, nil
}

func (f *FakeSecretsManagerClient) PutSecretValue(_ context.Context, params *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.SecretId)
	if err := f.Errors[id]; err != nil {
		return nil, err
	}
	if _, ok := f.Secrets[id]; !ok {
		return nil, f.notFound(id)
	}
	f.Secrets[id] = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{Name: aws.String(id)}, nil
}

func (f *FakeSecretsManagerClient) CreateSecret(_ context.Context, params *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.Name)
	if err := f.Errors[id]; err != nil {
		return nil, err
	}
	f.Secrets[id] = aws.ToString(params.SecretString)
	f.Created = append(f.Created, id)
	return &secretsmanager.CreateSecretOutput{Name: aws.String(id)}, nil
}

func (f *FakeSecretsManagerClient) DeleteSecret(_ context.Context, params *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.SecretId)
	if err := f.Errors[id]; err != nil {
		return nil, err
	}
	if _, ok := f.Secrets[id]; !ok {
		return nil, f.notFound(id)
	}
	delete(f.Secrets, id)
	return &secretsmanager.DeleteSecretOutput{Name: aws.String(id)}, nil
}
