// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report captures the room, both session tokens, the reported
// side's address and the last few messages exchanged, for moderator
// review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/whisper/pairchat/internal/chat"
)

// Allowed reason values, matching the CHECK constraint on abuse_reports.
const (
	ReasonHarassment = "harassment"
	ReasonSpam       = "spam"
	ReasonExplicit   = "explicit"
	ReasonOther      = "other"
)

var validReasons = map[string]bool{
	ReasonHarassment: true,
	ReasonSpam:       true,
	ReasonExplicit:   true,
	ReasonOther:      true,
}

// NormalizeReason folds a client-supplied reason into one of the allowed
// values. Anything unknown becomes "other".
func NormalizeReason(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	if validReasons[r] {
		return r
	}
	return ReasonOther
}

// Report represents a single abuse report to be persisted.
type Report struct {
	RoomID        string
	ReporterToken string
	ReportedToken string
	ReportedAddr  string
	Reason        string
	Messages      []chat.HistoryEntry // last messages of the room, anonymised
	CreatedAt     time.Time
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to databaseURL, verifies the connection and applies the
// embedded schema migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts an abuse report into PostgreSQL.
// Messages are marshalled to JSONB. The reason is validated against the
// allowed set before insertion.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `
		INSERT INTO abuse_reports (room_id, reporter_token, reported_token, reported_addr, reason, messages, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		report.RoomID,
		report.ReporterToken,
		report.ReportedToken,
		report.ReportedAddr,
		report.Reason,
		messagesJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}
