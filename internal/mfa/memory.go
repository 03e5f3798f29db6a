package mfa

import (
	"context"
	"sync"
	"time"

	"medrelay.org/internal/auth"
)

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	mu          sync.Mutex
	secrets     map[string]*Secret
	backupCodes map[string]map[string]bool // accountID -> hash -> used
	recovery    map[string][]*RecoveryCode
	devices     map[string]map[string]*TrustedDevice
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		secrets:     make(map[string]*Secret),
		backupCodes: make(map[string]map[string]bool),
		recovery:    make(map[string][]*RecoveryCode),
		devices:     make(map[string]map[string]*TrustedDevice),
	}
}

func (s *MemStore) UpsertSecret(ctx context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *secret
	cp.EncryptedSecret = append([]byte(nil), secret.EncryptedSecret...)
	s.secrets[secret.AccountID] = &cp
	return nil
}

func (s *MemStore) FindSecret(ctx context.Context, accountID string) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[accountID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *secret
	cp.EncryptedSecret = append([]byte(nil), secret.EncryptedSecret...)
	return &cp, nil
}

func (s *MemStore) DeleteSecret(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[accountID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.secrets, accountID)
	return nil
}

func (s *MemStore) ReplaceBackupCodes(ctx context.Context, accountID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = false
	}
	s.backupCodes[accountID] = set
	return nil
}

func (s *MemStore) ConsumeBackupCode(ctx context.Context, accountID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.backupCodes[accountID]
	if !ok {
		return auth.ErrNotFound
	}
	used, ok := set[hash]
	if !ok || used {
		return auth.ErrNotFound
	}
	set[hash] = true
	return nil
}

func (s *MemStore) DeleteBackupCodes(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backupCodes, accountID)
	return nil
}

func (s *MemStore) CreateRecoveryCode(ctx context.Context, rc *RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rc
	s.recovery[rc.AccountID] = append(s.recovery[rc.AccountID], &cp)
	return nil
}

func (s *MemStore) ConsumeRecoveryCode(ctx context.Context, accountID, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rc := range s.recovery[accountID] {
		if rc.CodeHash != hash || rc.Used || !at.Before(rc.ExpiresAt) {
			continue
		}
		rc.Used = true
		usedAt := at
		rc.UsedAt = &usedAt
		return nil
	}
	return auth.ErrNotFound
}

func (s *MemStore) CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, ok := s.devices[d.AccountID]
	if !ok {
		devices = make(map[string]*TrustedDevice)
		s.devices[d.AccountID] = devices
	}
	cp := *d
	devices[d.DeviceID] = &cp
	return nil
}

func (s *MemStore) FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[accountID][deviceID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *device
	return &cp, nil
}

func (s *MemStore) RevokeTrustedDevice(ctx context.Context, accountID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[accountID][deviceID]
	if !ok {
		return auth.ErrNotFound
	}
	device.Revoked = true
	return nil
}
