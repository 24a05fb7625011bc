package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/camcreds/internal/vault"
	"github.com/systmms/camcreds/pkg/device"
)

// refPrefix marks a secret slot whose value lives in a vault.
const refPrefix = "vault:"

// SealedStore keeps resolved device secrets in a vault and only references
// to them in the wrapped store. Placeholders are stored as is. Everything
// other than records passes through unchanged.
type SealedStore struct {
	Store
	vault vault.Vault
}

// NewSealedStore wraps inner so record secrets are kept in v.
func NewSealedStore(inner Store, v vault.Vault) *SealedStore {
	return &SealedStore{Store: inner, vault: v}
}

// SecretKey names the vault entry for one device secret.
func SecretKey(deviceID string, kind device.SecretKind) string {
	return "camcreds/" + deviceID + "/" + kind.String()
}

// IsRef reports whether a stored slot value is a vault reference.
func IsRef(v string) bool {
	return strings.HasPrefix(v, refPrefix)
}

func (s *SealedStore) seal(ctx context.Context, r device.Record) (device.Record, error) {
	for _, kind := range device.Kinds {
		v := r.Secrets.Get(kind)
		if device.IsPlaceholder(v) || IsRef(v) {
			continue
		}
		key := SecretKey(r.DeviceID, kind)
		if err := s.vault.Put(ctx, key, v); err != nil {
			return r, fmt.Errorf("failed to seal %s for %s: %w", kind, r.DeviceID, err)
		}
		r.Secrets.Set(kind, refPrefix+key)
	}
	return r, nil
}

func (s *SealedStore) unseal(ctx context.Context, r device.Record) (device.Record, error) {
	for _, kind := range device.Kinds {
		v := r.Secrets.Get(kind)
		if !IsRef(v) {
			continue
		}
		secret, err := s.vault.Get(ctx, strings.TrimPrefix(v, refPrefix))
		if errors.Is(err, vault.ErrNotFound) {
			// the slot was lost out of band; ask for a new fetch
			r.Secrets.Set(kind, device.FetchPlaceholder)
			continue
		}
		if err != nil {
			return r, fmt.Errorf("failed to unseal %s for %s: %w", kind, r.DeviceID, err)
		}
		r.Secrets.Set(kind, secret)
	}
	return r, nil
}

func (s *SealedStore) ReadRecord(ctx context.Context, deviceID string) (device.Record, error) {
	r, err := s.Store.ReadRecord(ctx, deviceID)
	if err != nil {
		return r, err
	}
	return s.unseal(ctx, r)
}

func (s *SealedStore) WriteRecord(ctx context.Context, r device.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	sealed, err := s.seal(ctx, r)
	if err != nil {
		return err
	}
	return s.Store.WriteRecord(ctx, sealed)
}

func (s *SealedStore) DeleteRecord(ctx context.Context, deviceID string) error {
	if err := s.Store.DeleteRecord(ctx, deviceID); err != nil {
		return err
	}
	for _, kind := range device.Kinds {
		if err := s.vault.Delete(ctx, SecretKey(deviceID, kind)); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("failed to remove %s for %s from vault: %w", kind, deviceID, err)
		}
	}
	return nil
}

func (s *SealedStore) ListRecords(ctx context.Context) ([]device.Record, error) {
	records, err := s.Store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i], err = s.unseal(ctx, records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}
