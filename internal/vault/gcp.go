package vault

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SecretManagerAPI is the subset of the GCP Secret Manager client used by
// GCPVault.
type SecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
}

// gcpClient adapts *secretmanager.Client, whose methods take variadic
// call options, to SecretManagerAPI.
type gcpClient struct {
	c *secretmanager.Client
}

func (g gcpClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, req)
}

func (g gcpClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.CreateSecret(ctx, req)
}

func (g gcpClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return g.c.DeleteSecret(ctx, req)
}

// GCPVault stores secrets in Google Cloud Secret Manager under one project.
// Keys are mapped onto secret ids by replacing characters the service does
// not accept.
type GCPVault struct {
	client    SecretManagerAPI
	projectID string
}

// NewGCPVault wraps a Secret Manager client.
func NewGCPVault(client SecretManagerAPI, projectID string) *GCPVault {
	return &GCPVault{client: client, projectID: projectID}
}

// NewGCPVaultFactory reads "project_id" and "service_account_key_path".
func NewGCPVaultFactory(ctx context.Context, settings map[string]interface{}) (Vault, error) {
	projectID := stringSetting(settings, "project_id", "")
	if projectID == "" {
		return nil, fmt.Errorf("gcp vault: project_id is required")
	}
	var opts []option.ClientOption
	if keyPath := stringSetting(settings, "service_account_key_path", ""); keyPath != "" {
		opts = append(opts, option.WithCredentialsFile(keyPath))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}
	return NewGCPVault(gcpClient{c: client}, projectID), nil
}

func (v *GCPVault) Name() string { return "gcp" }

func (v *GCPVault) secretName(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", v.projectID, SanitizeKey(key, '_'))
}

func (v *GCPVault) Put(ctx context.Context, key, value string) error {
	add := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  v.secretName(key),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}
	_, err := v.client.AddSecretVersion(ctx, add)
	if status.Code(err) == codes.NotFound {
		_, err = v.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + v.projectID,
			SecretId: SanitizeKey(key, '_'),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return wrap("gcp", "put", key, err)
		}
		_, err = v.client.AddSecretVersion(ctx, add)
	}
	return wrap("gcp", "put", key, err)
}

func (v *GCPVault) Get(ctx context.Context, key string) (string, error) {
	resp, err := v.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: v.secretName(key) + "/versions/latest",
	})
	if status.Code(err) == codes.NotFound {
		return "", wrap("gcp", "get", key, ErrNotFound)
	}
	if err != nil {
		return "", wrap("gcp", "get", key, err)
	}
	if resp.GetPayload() == nil {
		return "", wrap("gcp", "get", key, fmt.Errorf("secret has no data"))
	}
	return string(resp.GetPayload().GetData()), nil
}

func (v *GCPVault) Delete(ctx context.Context, key string) error {
	err := v.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: v.secretName(key)})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return wrap("gcp", "delete", key, err)
}
