package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/utils"
	"github.com/imtaco/peer-connect/requests"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS connect_requests (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	room_id      TEXT,
	acceptor_id  TEXT,
	context      TEXT NOT NULL DEFAULT '',
	CHECK ((room_id IS NULL) = (acceptor_id IS NULL))
);
CREATE INDEX IF NOT EXISTS connect_requests_status_created_idx ON connect_requests (status, created_at);
CREATE INDEX IF NOT EXISTS connect_requests_requester_idx ON connect_requests (requester_id);
`

const pgColumns = "id, kind, requester_id, status, created_at, expires_at, room_id, acceptor_id, context"

// pgxConn is the subset of pgxpool.Pool used by the store.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	db     pgxConn
	logger *log.Logger
}

// NewPostgresStore guards conditional updates with the WHERE clause of a
// single UPDATE statement.
func NewPostgresStore(db pgxConn, logger *log.Logger) requests.RequestStore {
	if db == nil {
		panic("postgres connection is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &postgresStore{
		db:     db,
		logger: logger,
	}
}

func EnsureSchema(ctx context.Context, db pgxConn) error {
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, req *requests.ConnectRequest) error {
	if req == nil || req.ID == "" || req.RequesterID == "" {
		return errors.New(requests.ErrInvalidRequest, "id and requester are required")
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO connect_requests (`+pgColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		req.ID,
		string(req.Kind),
		req.RequesterID,
		string(req.Status),
		req.CreatedAt,
		req.ExpiresAt,
		utils.PtrOrNil(req.RoomID),
		utils.PtrOrNil(req.AcceptorID),
		req.Context,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(requests.ErrInvalidRequest, "request %s already exists", req.ID)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*requests.ConnectRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pgColumns+` FROM connect_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Newf(requests.ErrRequestNotFound, "request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

func (s *postgresStore) Select(ctx context.Context, q requests.Query) ([]*requests.ConnectRequest, error) {
	sql, args := buildSelect(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select requests: %w", err)
	}
	defer rows.Close()

	var result []*requests.ConnectRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}
	return result, nil
}

func (s *postgresStore) ConditionalUpdate(
	ctx context.Context,
	id string,
	cond requests.Condition,
	mut requests.Mutation,
) (bool, error) {
	if cond.Status == "" || mut.Status == "" {
		return false, errors.New(requests.ErrInvalidRequest, "condition and mutation status are required")
	}
	if (mut.RoomID == "") != (mut.AcceptorID == "") {
		return false, errors.New(requests.ErrInvalidRequest, "room and acceptor must be set together")
	}

	sql, args := buildConditionalUpdate(id, cond, mut)
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update request: %w", err)
	}

	applied := tag.RowsAffected() > 0
	s.logger.Debug("Conditional update",
		log.RequestID(id),
		log.String("from", string(cond.Status)),
		log.String("to", string(mut.Status)),
		log.Bool("applied", applied))
	return applied, nil
}

func (s *postgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM connect_requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}

// where accumulates predicates with positional placeholders.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func buildSelect(q requests.Query) (string, []any) {
	w := &where{}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		w.add("kind = ANY($%d)", kinds)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY($%d)", statuses)
	}
	if q.RequesterID != "" {
		w.add("requester_id = $%d", q.RequesterID)
	}
	if q.ExcludeRequesterID != "" {
		w.add("requester_id <> $%d", q.ExcludeRequesterID)
	}
	if !q.ExpiresAfter.IsZero() {
		w.add("expires_at > $%d", q.ExpiresAfter)
	}
	if !q.ExpiresBefore.IsZero() {
		w.add("expires_at <= $%d", q.ExpiresBefore)
	}
	if !q.CreatedBefore.IsZero() {
		w.add("created_at < $%d", q.CreatedBefore)
	}

	sql := `SELECT ` + pgColumns + ` FROM connect_requests` + w.String() + ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		w.args = append(w.args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}
	return sql, w.args
}

func buildConditionalUpdate(id string, cond requests.Condition, mut requests.Mutation) (string, []any) {
	// $1..$4 are the SET values, predicates follow
	w := &where{args: []any{string(mut.Status), utils.PtrOrNil(mut.RoomID), utils.PtrOrNil(mut.AcceptorID), id}}
	w.conds = append(w.conds, "id = $4")
	w.add("status = $%d", string(cond.Status))
	if cond.RequesterID != "" {
		w.add("requester_id = $%d", cond.RequesterID)
	}
	if cond.PartyID != "" {
		w.args = append(w.args, cond.PartyID)
		n := len(w.args)
		w.conds = append(w.conds, fmt.Sprintf("(requester_id = $%d OR acceptor_id = $%d)", n, n))
	}
	if !cond.LiveAt.IsZero() {
		w.add("expires_at > $%d", cond.LiveAt)
	}
	if !cond.ExpiredAt.IsZero() {
		w.add("expires_at <= $%d", cond.ExpiredAt)
	}

	sql := `UPDATE connect_requests SET status = $1, room_id = COALESCE($2, room_id), acceptor_id = COALESCE($3, acceptor_id)` + w.String()
	return sql, w.args
}

func scanRequest(row pgx.Row) (*requests.ConnectRequest, error) {
	var (
		req        requests.ConnectRequest
		kind       string
		status     string
		roomID     *string
		acceptorID *string
		createdAt  time.Time
		expiresAt  time.Time
	)
	if err := row.Scan(
		&req.ID,
		&kind,
		&req.RequesterID,
		&status,
		&createdAt,
		&expiresAt,
		&roomID,
		&acceptorID,
		&req.Context,
	); err != nil {
		return nil, err
	}
	req.Kind = requests.Kind(kind)
	req.Status = requests.Status(status)
	req.CreatedAt = createdAt.UTC()
	req.ExpiresAt = expiresAt.UTC()
	req.RoomID = utils.Get(roomID)
	req.AcceptorID = utils.Get(acceptorID)
	return &req, nil
}
