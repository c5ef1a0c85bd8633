package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/tgcollector/internal/errs"
	"github.com/and161185/tgcollector/internal/model"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionCols = `id, user_id, session_id, phone, telegram_user_id, status, credential_path, cursor_path, active, created_at, updated_at`

// SaveActive replaces the active row for (user, session) with s inside one transaction.
func (r *SessionRepo) SaveActive(ctx context.Context, s *model.Session) (err error) {
	if s.ID == uuid.Nil {
		if s.ID, err = uuid.NewV4(); err != nil {
			return err
		}
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const deact = `UPDATE sessions SET active=false, updated_at=now() WHERE user_id=$1 AND session_id=$2 AND active`
	const ins = `
INSERT INTO sessions (id, user_id, session_id, phone, telegram_user_id, status, credential_path, cursor_path, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true)
RETURNING created_at, updated_at`

	if _, err = tx.Exec(ctx, deact, s.UserID, s.SessionID); err != nil {
		return err
	}
	row := tx.QueryRow(ctx, ins, s.ID, s.UserID, s.SessionID, s.Phone, s.TelegramUserID,
		string(s.Status), s.CredentialPath, s.CursorPath)
	if err = row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	s.Active = true
	return nil
}

// GetActive selects the active row for (user, session).
func (r *SessionRepo) GetActive(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE user_id=$1 AND session_id=$2 AND active`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, userID, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListActive returns the active sessions of a user, oldest first.
func (r *SessionRepo) ListActive(ctx context.Context, userID string) ([]model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE user_id=$1 AND active ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListAuthorized returns every active session that completed login, across users.
func (r *SessionRepo) ListAuthorized(ctx context.Context) ([]model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE active AND status=$1 ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, string(model.StatusSuccess))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Deactivate marks the active row inactive; ErrNotFound if there is none.
func (r *SessionRepo) Deactivate(ctx context.Context, userID, sessionID string) error {
	const q = `UPDATE sessions SET active=false, updated_at=now() WHERE user_id=$1 AND session_id=$2 AND active`
	tag, err := r.db.Pool.Exec(ctx, q, userID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s      model.Session
		status string
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.SessionID, &s.Phone, &s.TelegramUserID, &status,
		&s.CredentialPath, &s.CursorPath, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}
