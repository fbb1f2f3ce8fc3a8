package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/gtunnel/internal/domain"
)

const upsertOpenQuery = `
INSERT INTO connections (id, remote_ip, connected_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING`

// A close event for an unknown ID inserts the full row, so a dropped open
// event still leaves a complete record.
const upsertClosedQuery = `
INSERT INTO connections (id, remote_ip, connected_at, disconnected_at, close_reason, bytes_in, bytes_out)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	disconnected_at = excluded.disconnected_at,
	close_reason = excluded.close_reason,
	bytes_in = excluded.bytes_in,
	bytes_out = excluded.bytes_out`

// RecordConnected stores an open connection.
func (s *Store) RecordConnected(ctx context.Context, info domain.ConnInfo) error {
	_, err := s.upsertOpenStmt.ExecContext(ctx, info.ID, info.RemoteIP, toMillis(info.CreatedAt))
	return err
}

// RecordDisconnected closes the record for info with its final byte counts.
func (s *Store) RecordDisconnected(ctx context.Context, info domain.ConnInfo, reason domain.CloseReason, at time.Time) error {
	_, err := s.upsertClosedStmt.ExecContext(ctx,
		info.ID, info.RemoteIP, toMillis(info.CreatedAt),
		toMillis(at), string(reason), info.BytesIn, info.BytesOut,
	)
	return err
}

// ResetOpenConnections closes records left open by a previous process. It
// returns how many were reconciled.
func (s *Store) ResetOpenConnections(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE connections
SET disconnected_at = ?, close_reason = ?
WHERE disconnected_at IS NULL`, toMillis(at), string(domain.CloseReasonRestart))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Summary aggregates the stored history.
func (s *Store) Summary(ctx context.Context) (domain.HistorySummary, error) {
	var out domain.HistorySummary
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(1),
	COALESCE(SUM(CASE WHEN disconnected_at IS NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN close_reason = ? THEN 1 ELSE 0 END), 0)
FROM connections`, string(domain.CloseReasonHeartbeat)).Scan(&out.Total, &out.Open, &out.Evicted)
	return out, err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.ConnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, remote_ip, connected_at, disconnected_at, close_reason, bytes_in, bytes_out
FROM connections
ORDER BY connected_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConnRecord
	for rows.Next() {
		var (
			rec          domain.ConnRecord
			connectedAt  int64
			disconnected sql.NullInt64
			reason       sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.RemoteIP, &connectedAt, &disconnected, &reason, &rec.BytesIn, &rec.BytesOut); err != nil {
			return nil, err
		}
		rec.ConnectedAt = fromMillis(connectedAt)
		if disconnected.Valid {
			t := fromMillis(disconnected.Int64)
			rec.DisconnectedAt = &t
		}
		rec.CloseReason = domain.CloseReason(reason.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeBefore deletes closed records that ended before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM connections
WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
