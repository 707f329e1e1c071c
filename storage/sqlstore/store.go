package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/dbflow/ticket"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ticket.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ticket.Store = (*Store)(nil)

// Dialect returns the database dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a ticket and its flows.
func (s *Store) Create(ctx context.Context, t *ticket.Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cluster, err := json.Marshal(t.ClusterIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO tickets(id,type,requester,biz_id,cluster_ids,details,status,current_flow,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		t.ID, string(t.Type), t.Requester, t.BizID, string(cluster), rawText(t.Details), string(t.Status), t.Current,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting ticket %s: %w", t.ID, err)
	}

	for _, f := range t.Flows {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO flows(ticket_id,idx,type,status,params,run_id,retry,error,error_kind,operator,due_at,started_at,ended_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			t.ID, f.Index, string(f.Type), string(f.Status), rawText(f.Params), f.RunID, string(f.Retry), f.Err, string(f.ErrKind), f.Operator,
			nullTime(f.DueAt), nullTime(f.StartedAt), nullTime(f.EndedAt))
		if err != nil {
			return fmt.Errorf("inserting flow %d of ticket %s: %w", f.Index, t.ID, err)
		}
	}
	return tx.Commit()
}

// Get loads a ticket and its flows.
func (s *Store) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	return s.load(ctx, s.db, id, "")
}

// Update locks the ticket row, applies fn and writes the ticket back in one
// transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*ticket.Ticket) error) (*ticket.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.load(ctx, tx, id, s.dialect.lockClause())
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.ID = id
	t.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE tickets SET status=?, current_flow=?, details=?, biz_id=?, updated_at=? WHERE id=?`),
		string(t.Status), t.Current, rawText(t.Details), t.BizID, formatTime(t.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("updating ticket %s: %w", id, err)
	}
	for _, f := range t.Flows {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE flows SET status=?, params=?, run_id=?, retry=?, error=?, error_kind=?, operator=?, due_at=?, started_at=?, ended_at=? WHERE ticket_id=? AND idx=?`),
			string(f.Status), rawText(f.Params), f.RunID, string(f.Retry), f.Err, string(f.ErrKind), f.Operator,
			nullTime(f.DueAt), nullTime(f.StartedAt), nullTime(f.EndedAt), id, f.Index)
		if err != nil {
			return nil, fmt.Errorf("updating flow %d of ticket %s: %w", f.Index, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns matching tickets, most recent first.
func (s *Store) List(ctx context.Context, f ticket.Filter) ([]*ticket.Ticket, error) {
	query := `SELECT id FROM tickets`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*ticket.Ticket, 0, len(ids))
	for _, id := range ids {
		t, err := s.load(ctx, s.db, id, "")
		if errors.Is(err, ticket.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) load(ctx context.Context, q querier, id string, lock string) (*ticket.Ticket, error) {
	var (
		t                ticket.Ticket
		typ, status      string
		cluster, details string
		created, updated string
	)
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT id,type,requester,biz_id,cluster_ids,details,status,current_flow,created_at,updated_at FROM tickets WHERE id=?`+lock), id).
		Scan(&t.ID, &typ, &t.Requester, &t.BizID, &cluster, &details, &status, &t.Current, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading ticket %s: %w", id, err)
	}
	t.Type = ticket.TicketType(typ)
	t.Status = ticket.Status(status)
	if details != "" {
		t.Details = json.RawMessage(details)
	}
	if err := json.Unmarshal([]byte(cluster), &t.ClusterIDs); err != nil {
		return nil, fmt.Errorf("decoding cluster ids of ticket %s: %w", id, err)
	}
	if t.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, s.dialect.rebind(`SELECT idx,type,status,params,run_id,retry,error,error_kind,operator,due_at,started_at,ended_at FROM flows WHERE ticket_id=? ORDER BY idx`), id)
	if err != nil {
		return nil, fmt.Errorf("loading flows of ticket %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f                      ticket.Flow
			ftype, fstatus, params string
			retry, kind            string
			due, started, ended    sql.NullString
		)
		if err := rows.Scan(&f.Index, &ftype, &fstatus, &params, &f.RunID, &retry, &f.Err, &kind, &f.Operator, &due, &started, &ended); err != nil {
			return nil, err
		}
		f.Type = ticket.FlowType(ftype)
		f.Status = ticket.FlowStatus(fstatus)
		f.Retry = ticket.RetryPolicy(retry)
		f.ErrKind = ticket.ErrKind(kind)
		if params != "" {
			f.Params = json.RawMessage(params)
		}
		if f.DueAt, err = parseNullTime(due); err != nil {
			return nil, err
		}
		if f.StartedAt, err = parseNullTime(started); err != nil {
			return nil, err
		}
		if f.EndedAt, err = parseNullTime(ended); err != nil {
			return nil, err
		}
		t.Flows = append(t.Flows, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rawText(raw json.RawMessage) string {
	return string(raw)
}
