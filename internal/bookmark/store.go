package bookmark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/housing-intel/backend/pkg/logger"
)

// ErrStaleWatermark is returned when Advance would move a source's
// watermark backwards.
var ErrStaleWatermark = errors.New("watermark is older than the stored bookmark")

// Store tracks, per source, the changed_at boundary up to which records
// have been durably processed. Watermarks only move forward.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS bookmarks (
		source_id TEXT PRIMARY KEY,
		watermark INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize bookmark schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the stored watermark for a source. The second return value is
// false when the source has never been processed, which callers treat as
// "process everything".
func (s *Store) Get(ctx context.Context, sourceID string) (time.Time, bool, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		"SELECT watermark FROM bookmarks WHERE source_id = ?", sourceID,
	).Scan(&watermark)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read bookmark: %w", err)
	}

	return time.UnixMicro(watermark).UTC(), true, nil
}

// Advance moves the watermark forward. It fails with ErrStaleWatermark if
// the new value is below the stored one; equal values are accepted as a
// no-op so that replayed windows commit cleanly.
func (s *Store) Advance(ctx context.Context, sourceID string, watermark time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bookmark transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT watermark FROM bookmarks WHERE source_id = ?", sourceID,
	).Scan(&current)

	newMark := watermark.UTC().UnixMicro()

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO bookmarks (source_id, watermark, updated_at) VALUES (?, ?, ?)",
			sourceID, newMark, time.Now().UnixMicro())
		if err != nil {
			return fmt.Errorf("failed to insert bookmark: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read bookmark: %w", err)
	case newMark < current:
		return fmt.Errorf("source %s: new watermark %s behind stored %s: %w",
			sourceID, watermark.UTC(), time.UnixMicro(current).UTC(), ErrStaleWatermark)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE bookmarks SET watermark = ?, updated_at = ? WHERE source_id = ?",
			newMark, time.Now().UnixMicro(), sourceID)
		if err != nil {
			return fmt.Errorf("failed to update bookmark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bookmark: %w", err)
	}

	logger.Debug("Bookmark advanced",
		zap.String("source_id", sourceID),
		zap.Time("watermark", watermark),
	)

	return nil
}
