package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chorushq/chorus/internal/chorerr"
)

// CreateRunResult is the outcome of CreateRun.
type CreateRunResult struct {
	Run          Run
	Deduplicated bool
}

// CreateRun implements §4.1 createRun: purge expired pre-ingest images for
// the (source, threadKey), resolve idempotency dedup, and insert the run,
// its images, and the ingest record atomically.
func (s *Store) CreateRun(ctx context.Context, req IngestRequest) (CreateRunResult, error) {
	if req.ThreadKey == "" {
		return CreateRunResult{}, chorerr.Validation("threadKey is required")
	}
	if req.DeliveryMode != DeliveryModeSteer && req.DeliveryMode != DeliveryModeFollowUp {
		return CreateRunResult{}, chorerr.Validationf("invalid deliveryMode %q", req.DeliveryMode)
	}

	if err := s.purgeExpiredInputImagesTx(ctx, req.Source, req.ThreadKey); err != nil {
		return CreateRunResult{}, chorerr.Internal("purge expired input images", err)
	}

	payloadHash := PayloadHash(req.ThreadKey, req.Text, req.DeliveryMode, req.Images)

	if req.IdempotencyKey != "" {
		if existing, found, err := s.lookupIngest(ctx, req.Source, req.IdempotencyKey); err != nil {
			return CreateRunResult{}, chorerr.Internal("lookup ingest record", err)
		} else if found {
			if existing.PayloadHash != payloadHash {
				return CreateRunResult{}, chorerr.Conflict("idempotency_payload_mismatch")
			}
			run, err := s.GetRun(ctx, existing.RunID)
			if err != nil {
				return CreateRunResult{}, err
			}
			return CreateRunResult{Run: run, Deduplicated: true}, nil
		}
	}

	run := Run{
		RunID:        newID(),
		Source:       req.Source,
		ThreadKey:    req.ThreadKey,
		UserKey:      req.UserKey,
		DeliveryMode: req.DeliveryMode,
		InputText:    req.Text,
		Status:       RunStatusRunning,
		CreatedAt:    nowUTC(),
		UpdatedAt:    nowUTC(),
	}

	insert := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, source, thread_key, user_key, delivery_mode, input_text, status, output, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?);
		`, run.RunID, run.Source, run.ThreadKey, run.UserKey, run.DeliveryMode, run.InputText, run.Status, run.CreatedAt, run.UpdatedAt); err != nil {
			return err
		}

		for _, img := range req.Images {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO input_images (image_id, run_id, thread_key, mime_type, filename, position, bytes, expires_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, newID(), run.RunID, run.ThreadKey, img.MimeType, img.Filename, img.Position, img.Bytes, run.CreatedAt.Add(ImageInputTTL), run.CreatedAt); err != nil {
				return err
			}
		}

		if req.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_ingest (source, idempotency_key, run_id, payload_hash, created_at)
				VALUES (?, ?, ?, ?, ?);
			`, req.Source, req.IdempotencyKey, run.RunID, payloadHash, run.CreatedAt); err != nil {
				return err
			}
		}

		if err := appendRunEventTx(ctx, tx, run.RunID, "created", ""); err != nil {
			return err
		}

		return tx.Commit()
	}

	if err := retryOnBusy(ctx, 5, insert); err != nil {
		if isUniqueConstraint(err) && req.IdempotencyKey != "" {
			// Lost the race against a concurrent identical ingest: retry the read once.
			existing, found, lookupErr := s.lookupIngest(ctx, req.Source, req.IdempotencyKey)
			if lookupErr != nil {
				return CreateRunResult{}, chorerr.Internal("lookup ingest record after race", lookupErr)
			}
			if found {
				if existing.PayloadHash != payloadHash {
					return CreateRunResult{}, chorerr.Conflict("idempotency_payload_mismatch")
				}
				existingRun, getErr := s.GetRun(ctx, existing.RunID)
				if getErr != nil {
					return CreateRunResult{}, getErr
				}
				return CreateRunResult{Run: existingRun, Deduplicated: true}, nil
			}
		}
		return CreateRunResult{}, chorerr.Internal("create run", err)
	}

	return CreateRunResult{Run: run, Deduplicated: false}, nil
}

type ingestRecord struct {
	RunID       string
	PayloadHash string
}

func (s *Store) lookupIngest(ctx context.Context, source, idempotencyKey string) (ingestRecord, bool, error) {
	var rec ingestRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, payload_hash FROM message_ingest WHERE source = ? AND idempotency_key = ?;
	`, source, idempotencyKey).Scan(&rec.RunID, &rec.PayloadHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ingestRecord{}, false, nil
	}
	if err != nil {
		return ingestRecord{}, false, err
	}
	return rec, true, nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, thread_key, user_key, delivery_mode, input_text, status, output, error_message, created_at, updated_at
		FROM runs WHERE run_id = ?;
	`, runID).Scan(&r.RunID, &r.Source, &r.ThreadKey, &r.UserKey, &r.DeliveryMode, &r.InputText, &r.Status, &r.Output, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, chorerr.NotFoundf("run %q not found", runID)
	}
	if err != nil {
		return Run{}, chorerr.Internal("get run", err)
	}
	return r, nil
}

// ListRunningRuns returns up to limit runs currently in status running,
// oldest first — used by the recovery pass.
func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, thread_key, user_key, delivery_mode, input_text, status, output, error_message, created_at, updated_at
		FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?;
	`, RunStatusRunning, limit)
	if err != nil {
		return nil, chorerr.Internal("list running runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Source, &r.ThreadKey, &r.UserKey, &r.DeliveryMode, &r.InputText, &r.Status, &r.Output, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, chorerr.Internal("scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSucceeded conditionally transitions a run running -> succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, runID, output string) error {
	return s.transitionTerminal(ctx, runID, RunStatusSucceeded, output, "")
}

// MarkFailed conditionally transitions a run running -> failed.
func (s *Store) MarkFailed(ctx context.Context, runID, errMsg string) error {
	return s.transitionTerminal(ctx, runID, RunStatusFailed, "", errMsg)
}

func (s *Store) transitionTerminal(ctx context.Context, runID string, status RunStatus, output, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, output = ?, error_message = ?, updated_at = ?
			WHERE run_id = ? AND status = ?;
		`, status, output, errMsg, nowUTC(), runID, RunStatusRunning)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			current, found, getErr := s.getRunStatusNoLock(ctx, tx, runID)
			if getErr != nil {
				return getErr
			}
			if !found {
				return chorerr.NotFoundf("run %q not found", runID)
			}
			return chorerr.Conflictf("run %q already %s", runID, current)
		}
		if err := appendRunEventTx(ctx, tx, runID, "status:"+string(status), errMsg); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) getRunStatusNoLock(ctx context.Context, tx *sql.Tx, runID string) (RunStatus, bool, error) {
	var status RunStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?;`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}
