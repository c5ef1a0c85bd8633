// Package artifact persists session artifacts (protocol credentials and update cursors)
// to durable blob storage with a local on-disk staging copy.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/crypto"
	"github.com/and161185/tgcollector/internal/errs"
)

// Kind names an artifact type and is used as the file extension.
type Kind string

const (
	// Credential is the protocol session file holding the authorization key.
	Credential Kind = "session"
	// Cursor is the update-state file used to resume the update stream.
	Cursor Kind = "updates"
)

// Kinds lists every artifact kind kept per session.
var Kinds = []Kind{Credential, Cursor}

// ErrInvalidID is returned for user or session ids that cannot be used as path segments.
var ErrInvalidID = errors.New("artifact: invalid id")

// Store materializes artifacts locally and persists them to Blobs.
type Store struct {
	blobs   Blobs
	staging string
	sealer  *crypto.Sealer
	log     *zap.Logger

	backoff func() retry.Backoff
}

// Option customizes a Store.
type Option func(*Store)

// WithSealer encrypts blobs at rest.
func WithSealer(s *crypto.Sealer) Option { return func(st *Store) { st.sealer = s } }

// WithBackoff overrides the retry policy for durable writes.
func WithBackoff(f func() retry.Backoff) Option { return func(st *Store) { st.backoff = f } }

// NewStore constructs a Store staging files under stagingDir.
func NewStore(blobs Blobs, stagingDir string, log *zap.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("artifact: create staging dir: %w", err)
	}
	s := &Store{
		blobs:   blobs,
		staging: stagingDir,
		log:     log,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Name is the durable blob name of an artifact.
func Name(kind Kind, userID, sessionID string) string {
	return fmt.Sprintf("%s/%s.%s", userID, sessionID, kind)
}

// Path is the local staging path of an artifact. It does not touch the filesystem.
func (s *Store) Path(kind Kind, userID, sessionID string) (string, error) {
	if !validID(userID) || !validID(sessionID) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.staging, userID, sessionID+"."+string(kind)), nil
}

// Exists reports whether the artifact is stored durably.
func (s *Store) Exists(ctx context.Context, kind Kind, userID, sessionID string) (bool, error) {
	if !validID(userID) || !validID(sessionID) {
		return false, ErrInvalidID
	}
	return s.blobs.Exists(ctx, Name(kind, userID, sessionID))
}

// LocalPath returns a local file for the artifact, downloading it when the staging copy is missing
// and creating an empty placeholder when the artifact does not exist yet.
func (s *Store) LocalPath(ctx context.Context, kind Kind, userID, sessionID string) (string, error) {
	p, err := s.Path(kind, userID, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", err
	}

	name := Name(kind, userID, sessionID)
	blob, err := s.blobs.Get(ctx, name)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		blob = nil
	case err != nil:
		return "", fmt.Errorf("artifact: fetch %s: %w", name, err)
	default:
		if blob, err = s.sealer.Open(name, blob); err != nil {
			return "", fmt.Errorf("artifact: open %s: %w", name, err)
		}
	}
	if err := os.WriteFile(p, blob, 0o600); err != nil {
		return "", err
	}
	return p, nil
}

// Save persists the file at localPath as the artifact, retrying transient failures with backoff.
// A missing local file is not an error: there is nothing to persist yet.
func (s *Store) Save(ctx context.Context, kind Kind, userID, sessionID, localPath string) error {
	if !validID(userID) || !validID(sessionID) {
		return ErrInvalidID
	}
	data, err := os.ReadFile(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	name := Name(kind, userID, sessionID)
	sealed, err := s.sealer.Seal(name, data)
	if err != nil {
		return fmt.Errorf("artifact: seal %s: %w", name, err)
	}

	attempt := 0
	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		if err := s.blobs.Put(ctx, name, sealed); err != nil {
			s.log.Warn("artifact save failed", zap.String("name", name), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: save %s: %w", name, err)
	}
	return nil
}

// Delete removes the artifact durably and from staging.
func (s *Store) Delete(ctx context.Context, kind Kind, userID, sessionID string) error {
	p, err := s.Path(kind, userID, sessionID)
	if err != nil {
		return err
	}
	name := Name(kind, userID, sessionID)
	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		if err := s.blobs.Delete(ctx, name); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: delete %s: %w", name, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SaveAll persists every artifact kind of a session from its staging copy within timeout.
func (s *Store) SaveAll(ctx context.Context, userID, sessionID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errList []error
	for _, k := range Kinds {
		p, err := s.Path(k, userID, sessionID)
		if err != nil {
			return err
		}
		if err := s.Save(ctx, k, userID, sessionID, p); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// DeleteAll removes every artifact kind of a session.
func (s *Store) DeleteAll(ctx context.Context, userID, sessionID string) error {
	var errList []error
	for _, k := range Kinds {
		if err := s.Delete(ctx, k, userID, sessionID); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
