package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// KeyVaultAPI is the subset of *azsecrets.Client used by AzureVault.
type KeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// AzureVault stores secrets in Azure Key Vault. Key Vault names allow only
// letters, digits and dashes, so keys are sanitized.
type AzureVault struct {
	client KeyVaultAPI
}

// NewAzureVault wraps a Key Vault client.
func NewAzureVault(client KeyVaultAPI) *AzureVault {
	return &AzureVault{client: client}
}

// NewAzureVaultFactory reads "vault_url" and optionally "tenant_id",
// "client_id" and "client_secret" for a service principal. Without them the
// default credential chain is used.
func NewAzureVaultFactory(_ context.Context, settings map[string]interface{}) (Vault, error) {
	vaultURL := stringSetting(settings, "vault_url", "")
	if vaultURL == "" {
		return nil, fmt.Errorf("azure vault: vault_url is required")
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	tenantID := stringSetting(settings, "tenant_id", "")
	clientID := stringSetting(settings, "client_id", "")
	clientSecret := stringSetting(settings, "client_secret", "")
	if tenantID != "" && clientID != "" && clientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return NewAzureVault(client), nil
}

func (v *AzureVault) Name() string { return "azure" }

func (v *AzureVault) Put(ctx context.Context, key, value string) error {
	_, err := v.client.SetSecret(ctx, SanitizeKey(key, '-'), azsecrets.SetSecretParameters{
		Value: &value,
	}, nil)
	return wrap("azure", "put", key, err)
}

func (v *AzureVault) Get(ctx context.Context, key string) (string, error) {
	resp, err := v.client.GetSecret(ctx, SanitizeKey(key, '-'), "", nil)
	if isAzureNotFound(err) {
		return "", wrap("azure", "get", key, ErrNotFound)
	}
	if err != nil {
		return "", wrap("azure", "get", key, err)
	}
	if resp.Value == nil {
		return "", wrap("azure", "get", key, errors.New("secret has no value"))
	}
	return *resp.Value, nil
}

func (v *AzureVault) Delete(ctx context.Context, key string) error {
	_, err := v.client.DeleteSecret(ctx, SanitizeKey(key, '-'), nil)
	if isAzureNotFound(err) {
		return nil
	}
	return wrap("azure", "delete", key, err)
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
