package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"engram/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Record is one archived result.
type Record struct {
	Seq        int64         `json:"seq"`
	ArchivedAt string        `json:"archived_at"`
	Result     domain.Result `json:"result"`
}

// Writer appends finished results. The archive is an audit trail only; the
// coordinator never reads it back.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append stores r and returns its sequence number.
func (w Writer) Append(ctx context.Context, r domain.Result) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal result %s: %w", r.TaskID, err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO results(task_id,role,success,confidence,execution_time_ms,error,archived_at,result_json) VALUES (?,?,?,?,?,?,?,?)`,
		r.TaskID, string(r.Role), r.Success, r.ConfidenceScore, r.ExecutionTimeMs, nullable(r.Error),
		now().UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return 0, fmt.Errorf("archive result %s: %w", r.TaskID, err)
	}
	return res.LastInsertId()
}

// Filter narrows Latest.
type Filter struct {
	Role         domain.Role
	TaskID       string
	OnlyFailures bool
	// Before limits results to seq < Before when non-zero.
	Before int64
}

// Reader queries the archive.
type Reader struct {
	DB *sql.DB
}

// Latest returns up to limit records, newest first.
func (r Reader) Latest(ctx context.Context, limit int, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		where = append(where, "role=?")
		args = append(args, string(f.Role))
	}
	if f.TaskID != "" {
		where = append(where, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.OnlyFailures {
		where = append(where, "success=0")
	}
	if f.Before > 0 {
		where = append(where, "seq<?")
		args = append(args, f.Before)
	}
	q := `SELECT seq,archived_at,result_json FROM results`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)
	return r.query(ctx, q, args...)
}

// Get returns the most recent record for taskID.
func (r Reader) Get(ctx context.Context, taskID string) (Record, error) {
	recs, err := r.Latest(ctx, 1, Filter{TaskID: taskID})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

// After returns up to limit records with seq > cursor, oldest first.
func (r Reader) After(ctx context.Context, cursor int64, limit int) ([]Record, error) {
	return r.query(ctx, `SELECT seq,archived_at,result_json FROM results WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
}

// LastSeq returns the newest sequence number, or 0 for an empty archive.
func (r Reader) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM results`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (r Reader) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec  Record
			data string
		)
		if err := rows.Scan(&rec.Seq, &rec.ArchivedAt, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode archived result %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cursor returns the stored position for a consumer, or ErrNotFound.
func (r Reader) Cursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT seq FROM webhook_cursors WHERE url=?`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

// SetCursor stores the position for a consumer.
func (w Writer) SetCursor(ctx context.Context, consumer string, seq int64) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,seq,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET seq=excluded.seq, updated_at=excluded.updated_at`,
		consumer, seq, now().UTC().Format(time.RFC3339Nano))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
