// Package sessionstore keeps the client's booking session on disk so a
// restarted client resumes the same session, the way a browser tab keeps
// its session id across page reloads.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/gateway"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
)

// Issuer mints new sessions.  *gateway.Client implements it.
type Issuer interface {
	CreateSession(ctx context.Context) (gateway.Session, error)
}

// Store is a file-backed session holder.  A stored session that expires
// within Margin is replaced rather than reused.
type Store struct {
	Path   string
	Margin time.Duration
	Now    func() time.Time
}

// New returns a Store at path with a one minute margin.
func New(path string) *Store {
	return &Store{Path: path, Margin: time.Minute, Now: time.Now}
}

// Load returns the stored session when it is still usable and otherwise
// asks issuer for a new one and saves it.
func (s *Store) Load(ctx context.Context, issuer Issuer) (gateway.Session, error) {
	log := logging.Component("sessionstore")
	sess, err := s.read()
	switch {
	case err == nil && s.usable(sess):
		log.Debug().Str("session_id", sess.SessionID).Msg("resuming stored session")
		return sess, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		log.Warn().Err(err).Str("path", s.Path).Msg("ignoring unreadable session file")
	}

	sess, err = issuer.CreateSession(ctx)
	if err != nil {
		return gateway.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := s.Save(sess); err != nil {
		return gateway.Session{}, err
	}
	log.Info().Str("session_id", sess.SessionID).Msg("new session issued")
	return sess, nil
}

// Save writes sess atomically with owner-only permissions.
func (s *Store) Save(sess gateway.Session) error {
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("save session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("save session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear forgets the stored session.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) read() (gateway.Session, error) {
	var sess gateway.Session
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return sess, err
	}
	if err := json.Unmarshal(b, &sess); err != nil {
		return sess, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return sess, nil
}

func (s *Store) usable(sess gateway.Session) bool {
	if sess.SessionID == "" || sess.Token == "" {
		return false
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return sess.ExpiresAt.IsZero() || sess.ExpiresAt.After(now().Add(s.Margin))
}
