// Package auth manages the login session: credential exchange, token
// persistence, and the active-user handoff to the sync services.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
)

// Authenticator is the slice of the remote boundary auth needs.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*models.Session, error)
	SetToken(token string)
}

// Service handles authentication and session persistence.
type Service struct {
	remote      Authenticator
	sessionFile string
	logger      *events.Logger

	session *models.Session
}

// NewService creates an auth service persisting sessions to sessionFile.
func NewService(remote Authenticator, sessionFile string, logger *events.Logger) *Service {
	return &Service{
		remote:      remote,
		sessionFile: sessionFile,
		logger:      logger.WithField("component", "auth"),
	}
}

// Login authenticates and installs the session token on the transport.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Session, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password required")
	}

	s.logger.WithField("email", email).Info("Logging in")

	session, err := s.remote.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}

	s.session = session
	s.remote.SetToken(session.Token)

	if err := s.saveSession(); err != nil {
		s.logger.WithError(err).Warn("Failed to save session")
	}

	s.logger.WithField("user_id", session.UserID).Info("Login successful")
	return session, nil
}

// Logout clears the session locally.
func (s *Service) Logout() error {
	s.logger.Info("Logging out")

	s.session = nil
	s.remote.SetToken("")

	if s.sessionFile != "" {
		if err := os.Remove(s.sessionFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
	}
	return nil
}

// CurrentSession returns the active session, loading a persisted one on
// first use. The token is installed on the transport when loaded.
func (s *Service) CurrentSession() (*models.Session, error) {
	if s.session != nil && !s.session.IsExpired() {
		return s.session, nil
	}

	if err := s.loadSession(); err == nil && s.session != nil && !s.session.IsExpired() {
		s.remote.SetToken(s.session.Token)
		return s.session, nil
	}

	return nil, models.ErrNotAuthenticated
}

func (s *Service) saveSession() error {
	if s.sessionFile == "" || s.session == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.sessionFile), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(s.session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return os.WriteFile(s.sessionFile, data, 0600)
}

func (s *Service) loadSession() error {
	if s.sessionFile == "" {
		return fmt.Errorf("no session file configured")
	}

	data, err := os.ReadFile(s.sessionFile)
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}

	s.session = &session
	return nil
}
