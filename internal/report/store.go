// Package report persists random chat abuse reports in PostgreSQL together
// with the short transcript of the reported match.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/whisper/relay/internal/chat"
)

// Reasons accepted by the abuse_reports CHECK constraint.
var Reasons = []string{"harassment", "spam", "explicit", "other"}

// ErrInvalidReason is returned for a reason outside Reasons.
var ErrInvalidReason = errors.New("report: invalid reason")

// Report is one abuse report.
type Report struct {
	ReporterUserID string
	ReportedUserID string
	MatchID        string
	Reason         string
	Transcript     []chat.Line
}

// Store writes reports to PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ValidReason reports whether reason is accepted.
func ValidReason(reason string) bool {
	return lo.Contains(Reasons, reason)
}

// Create inserts r. The transcript is stored as JSONB with sender ids
// replaced by "reporter" and "reported".
func (s *Store) Create(ctx context.Context, r *Report) error {
	if !ValidReason(r.Reason) {
		return fmt.Errorf("%w: %q", ErrInvalidReason, r.Reason)
	}

	var transcript []byte
	if len(r.Transcript) > 0 {
		var err error
		transcript, err = json.Marshal(anonymise(r))
		if err != nil {
			return fmt.Errorf("report: marshal transcript: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (reporter_user_id, reported_user_id, match_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, r.ReporterUserID, r.ReportedUserID, r.MatchID, r.Reason, transcript)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many reports were filed against userID within
// window.
func (s *Store) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_user_id = $1
		  AND created_at >= $2`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, time.Now().Add(-window)).Scan(&n); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return n, nil
}

func anonymise(r *Report) []chat.Line {
	return lo.Map(r.Transcript, func(l chat.Line, _ int) chat.Line {
		switch l.From {
		case r.ReporterUserID:
			l.From = "reporter"
		case r.ReportedUserID:
			l.From = "reported"
		}
		return l
	})
}
