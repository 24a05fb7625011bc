package fakes

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// FakeAzureKeyVaultClient is an in-memory Azure Key Vault.
type FakeAzureKeyVaultClient struct {
	mu sync.Mutex
	// Secrets maps secret names to values
	Secrets map[string]string
	// Errors maps secret names to errors to return
	Errors map[string]error
}

// NewFakeAzureKeyVaultClient creates an empty client.
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{
		Secrets: make(map[string]string),
		Errors:  make(map[string]error),
	}
}

func azureNotFound() error {
	return &azcore.ResponseError{ErrorCode: "SecretNotFound", StatusCode: http.StatusNotFound}
}

func (f *FakeAzureKeyVaultClient) GetSecret(_ context.Context, name string, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[name]; err != nil {
		return azsecrets.GetSecretResponse{}, err
	}
	v, ok := f.Secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, azureNotFound()
	}
	id := azsecrets.ID(fmt.Sprintf("https://test-vault.vault.azure.net/secrets/%s", name))
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: to.Ptr(v), ID: &id}}, nil
}

func (f *FakeAzureKeyVaultClient) SetSecret(_ context.Context, name string, parameters azsecrets.SetSecretParameters, _ *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[name]; err != nil {
		return azsecrets.SetSecretResponse{}, err
	}
	if parameters.Value == nil {
		return azsecrets.SetSecretResponse{}, fmt.Errorf("value is required")
	}
	f.Secrets[name] = *parameters.Value
	return azsecrets.SetSecretResponse{Secret: azsecrets.Secret{Value: parameters.Value}}, nil
}

func (f *FakeAzureKeyVaultClient) DeleteSecret(_ context.Context, name string, _ *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[name]; err != nil {
		return azsecrets.DeleteSecretResponse{}, err
	}
	if _, ok := f.Secrets[name]; !ok {
		return azsecrets.DeleteSecretResponse{}, azureNotFound()
	}
	delete(f.Secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}
