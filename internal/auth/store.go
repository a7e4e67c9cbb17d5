package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath returns the per-user credential file location,
// ~/.devpulse/credentials.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".devpulse", "credentials.json")
	}
	return filepath.Join(home, ".devpulse", "credentials.json")
}

// Store is the file-backed credential store. Reads are copy-then-release:
// no lock is ever held across a network call. Writes (connect/disconnect)
// are serialized by the mutex; last-writer-wins is acceptable.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	creds map[Provider]Credential
}

// NewStore opens a store backed by the file at path. A missing or
// unreadable file yields an empty store, not an error — credentials are
// simply absent until a connect flow runs.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{path: path, logger: logger, creds: make(map[Provider]Credential)}
	s.load()
	return s
}

// Get returns the stored credential for a provider, or the explicit
// absent marker. It never fails for a missing credential.
func (s *Store) Get(p Provider) Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.creds[p]; ok {
		return c
	}
	return Absent(p)
}

// Put persists a credential, overwriting any prior one for the provider.
func (s *Store) Put(p Provider, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Provider = p
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	prev, had := s.creds[p]
	s.creds[p] = c
	if err := s.save(); err != nil {
		if had {
			s.creds[p] = prev
		} else {
			delete(s.creds, p)
		}
		return err
	}
	s.logger.Info("credential stored", "provider", p, "identity", c.Identity, "source", c.Source)
	return nil
}

// Delete removes a stored credential. Deleting an absent credential is a
// no-op, not an error.
func (s *Store) Delete(p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[p]; !ok {
		return nil
	}
	prev := s.creds[p]
	delete(s.creds, p)
	if err := s.save(); err != nil {
		s.creds[p] = prev
		return err
	}
	s.logger.Info("credential removed", "provider", p)
	return nil
}

// credentialFile is the on-disk layout: one key per provider.
type credentialFile struct {
	QuickCall *Credential `json:"quickcall,omitempty"`
	GitHubApp *Credential `json:"github_app,omitempty"`
	GitHubPAT *Credential `json:"github_pat,omitempty"`
	Slack     *Credential `json:"slack,omitempty"`

	// Legacy flat format: a bare device token at the top level.
	DeviceToken string `json:"device_token,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("credential file unreadable, starting empty", "path", s.path, "error", err)
		return
	}
	for p, c := range map[Provider]*Credential{
		ProviderQuickCall: file.QuickCall,
		ProviderGitHubApp: file.GitHubApp,
		ProviderGitHubPAT: file.GitHubPAT,
		ProviderSlack:     file.Slack,
	} {
		if c != nil {
			c.Provider = p
			s.creds[p] = *c
		}
	}
	if _, ok := s.creds[ProviderQuickCall]; !ok && file.DeviceToken != "" {
		s.creds[ProviderQuickCall] = Credential{
			Provider: ProviderQuickCall,
			Status:   StatusActive,
			Identity: file.UserID,
			Secret:   file.DeviceToken,
			Source:   SourceDeviceFlow,
		}
	}
}

// save writes the credential file with owner-only permissions. Callers
// hold the write lock.
func (s *Store) save() error {
	file := credentialFile{}
	for p, c := range s.creds {
		c := c
		switch p {
		case ProviderQuickCall:
			file.QuickCall = &c
		case ProviderGitHubApp:
			file.GitHubApp = &c
		case ProviderGitHubPAT:
			file.GitHubPAT = &c
		case ProviderSlack:
			file.Slack = &c
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
