package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chorushq/chorus/internal/chorerr"
)

// GetThreadSession looks up the session pointer for a thread key.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (ThreadSession, bool, error) {
	var ts ThreadSession
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_key, session_id, session_file_path, created_at, updated_at
		FROM thread_sessions WHERE thread_key = ?;
	`, threadKey).Scan(&ts.ThreadKey, &ts.SessionID, &ts.SessionFilePath, &ts.CreatedAt, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadSession{}, false, nil
	}
	if err != nil {
		return ThreadSession{}, false, chorerr.Internal("get thread session", err)
	}
	return ts, true, nil
}

// UpsertThreadSession creates or replaces the session pointer for a thread key.
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, sessionFilePath string) (ThreadSession, error) {
	now := nowUTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_sessions (thread_key, session_id, session_file_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(thread_key) DO UPDATE SET
				session_id = excluded.session_id,
				session_file_path = excluded.session_file_path,
				updated_at = excluded.updated_at;
		`, threadKey, sessionID, sessionFilePath, now, now)
		return err
	})
	if err != nil {
		return ThreadSession{}, chorerr.Internal("upsert thread session", err)
	}
	return ThreadSession{ThreadKey: threadKey, SessionID: sessionID, SessionFilePath: sessionFilePath, CreatedAt: now, UpdatedAt: now}, nil
}

// DeleteThreadSession removes the session pointer — the "reset session" operation.
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_key = ?;`, threadKey)
		return err
	})
}

// ListRunInputImages returns the images attached to a run, in position order.
func (s *Store) ListRunInputImages(ctx context.Context, runID string) ([]InputImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image_id, run_id, thread_key, mime_type, filename, position, bytes, expires_at, created_at
		FROM input_images WHERE run_id = ? ORDER BY position ASC;
	`, runID)
	if err != nil {
		return nil, chorerr.Internal("list run input images", err)
	}
	defer rows.Close()

	var out []InputImage
	for rows.Next() {
		var img InputImage
		if err := rows.Scan(&img.ImageID, &img.RunID, &img.ThreadKey, &img.MimeType, &img.Filename, &img.Position, &img.Bytes, &img.ExpiresAt, &img.CreatedAt); err != nil {
			return nil, chorerr.Internal("scan input image", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// DeleteRunInputImages removes all images attached to a run.
func (s *Store) DeleteRunInputImages(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM input_images WHERE run_id = ?;`, runID)
		return err
	})
}

// purgeExpiredInputImagesTx removes expired pre-ingest pending rows (scoped
// to source+threadKey by convention — pending rows carry no run_id) and
// expired run-bound rows, system-wide.
func (s *Store) purgeExpiredInputImagesTx(ctx context.Context, source, threadKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM input_images WHERE expires_at <= ? AND (thread_key = ? OR run_id <> '');
		`, nowUTC(), threadKey)
		return err
	})
}

// PurgeExpiredInputImages removes every expired image row, run-bound or pending.
func (s *Store) PurgeExpiredInputImages(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM input_images WHERE expires_at <= ?;`, nowUTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
