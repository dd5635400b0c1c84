// Package storage keeps an append-only sqlite journal of everything the
// trader decided: signal outcomes, order submissions and the status history
// observed for each order. The journal is an audit trail, the trader never
// reads it to make decisions.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sigflow/sigflow/sigflow"
)

//go:embed schema.sql
var schemaDDL string

type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

func New(path string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordSignalOutcome journals a terminal or in-flight decision for a signal.
// Status is one of processed, processing, ignored, expired, failed.
func (s *Storage) RecordSignalOutcome(sig sigflow.Signal, status string) (int64, error) {
	raw, err := json.Marshal(sig)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO signal_outcomes (signal_id, symbol, status, reason, payload, recorded_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, status, sig.IgnoredReason, raw, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestSignalOutcome returns the most recent journaled status for a signal.
func (s *Storage) LatestSignalOutcome(signalID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRowContext(context.Background(),
		`SELECT status FROM signal_outcomes
		 WHERE signal_id = ? ORDER BY recorded_at_utc DESC, id DESC LIMIT 1`,
		signalID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// RecordOrderSubmission journals a request/result pair for a submitted order.
// Resubmissions under the same cloid replace the earlier row.
func (s *Storage) RecordOrderSubmission(signalID string, req sigflow.OrderRequest, result sigflow.PlaceResult) error {
	rawReq, err := json.Marshal(req)
	if err != nil {
		return err
	}
	rawRes, err := json.Marshal(result)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO order_submissions (cloid, signal_id, coin, kind, request_payload, result_payload, recorded_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cloid) DO UPDATE SET
		   request_payload = excluded.request_payload,
		   result_payload = excluded.result_payload,
		   recorded_at_utc = excluded.recorded_at_utc`,
		req.Cloid, signalID, req.Coin, req.Kind.String(), rawReq, rawRes, time.Now().UTC().UnixMilli(),
	)
	return err
}

// LoadOrderSubmission returns the journaled request for a cloid, if any.
func (s *Storage) LoadOrderSubmission(cloid string) (*sigflow.OrderRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT request_payload FROM order_submissions WHERE cloid = ?`, cloid,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var req sigflow.OrderRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

// SubmissionRef identifies one journaled entry submission.
type SubmissionRef struct {
	Cloid    string
	SignalID string
}

// ListEntrySubmissions returns every journaled entry-order submission,
// oldest first. The boot-time recovery pass walks these to find orders that
// were still live when the process last stopped.
func (s *Storage) ListEntrySubmissions() ([]SubmissionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT cloid, signal_id FROM order_submissions
		 WHERE kind = 'entry' ORDER BY recorded_at_utc ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubmissionRef
	for rows.Next() {
		var ref SubmissionRef
		if err := rows.Scan(&ref.Cloid, &ref.SignalID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// RecordOrderStatus appends a status observation for an order.
func (s *Storage) RecordOrderStatus(cloid string, status sigflow.OrderStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO order_statuses (cloid, state, payload, recorded_at_utc)
		 VALUES (?, ?, ?, ?)`,
		cloid, status.State.String(), raw, time.Now().UTC().UnixMilli(),
	)
	return err
}

// LatestOrderStatus returns the most recent status observed for a cloid.
func (s *Storage) LatestOrderStatus(cloid string) (*sigflow.OrderStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT payload FROM order_statuses
		 WHERE cloid = ? ORDER BY recorded_at_utc DESC, id DESC LIMIT 1`, cloid,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var decoded sigflow.OrderStatus
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, false, err
	}
	return &decoded, true, nil
}
