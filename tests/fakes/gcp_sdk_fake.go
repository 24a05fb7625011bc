package fakes

import (
	"context"
	"strings"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FakeGCPSecretManagerClient is an in-memory GCP Secret Manager keyed by
// secret resource name (projects/P/secrets/S). Only the latest version of
// each secret is kept.
type FakeGCPSecretManagerClient struct {
	mu sync.Mutex
	// Secrets maps secret names to the latest payload; nil means the
	// secret exists without versions
	Secrets map[string][]byte
	// Errors maps resource names to errors to return
	Errors map[string]error
}

// NewFakeGCPSecretManagerClient creates an empty client.
func NewFakeGCPSecretManagerClient() *FakeGCPSecretManagerClient {
	return &FakeGCPSecretManagerClient{
		Secrets: make(map[string][]byte),
		Errors:  make(map[string]error),
	}
}

func (f *FakeGCPSecretManagerClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[req.Name]; err != nil {
		return nil, err
	}
	secret := req.Name
	if i := strings.Index(secret, "/versions/"); i >= 0 {
		secret = secret[:i]
	}
	data, ok := f.Secrets[secret]
	if !ok || data == nil {
		return nil, status.Errorf(codes.NotFound, "Secret version %s not found", req.Name)
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    secret + "/versions/1",
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	}, nil
}

func (f *FakeGCPSecretManagerClient) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[req.Parent]; err != nil {
		return nil, err
	}
	if _, ok := f.Secrets[req.Parent]; !ok {
		return nil, status.Errorf(codes.NotFound, "Secret %s not found", req.Parent)
	}
	f.Secrets[req.Parent] = req.GetPayload().GetData()
	return &secretmanagerpb.SecretVersion{Name: req.Parent + "/versions/1"}, nil
}

func (f *FakeGCPSecretManagerClient) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.Parent + "/secrets/" + req.SecretId
	if err := f.Errors[name]; err != nil {
		return nil, err
	}
	if _, ok := f.Secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret %s already exists", name)
	}
	f.Secrets[name] = nil
	return &secretmanagerpb.Secret{Name: name, Replication: req.GetSecret().GetReplication()}, nil
}

func (f *FakeGCPSecretManagerClient) DeleteSecret(_ context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[req.Name]; err != nil {
		return err
	}
	if _, ok := f.Secrets[req.Name]; !ok {
		return status.Errorf(codes.NotFound, "Secret %s not found", req.Name)
	}
	delete(f.Secrets, req.Name)
	return nil
}
