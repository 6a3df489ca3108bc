package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore persists vector records in PostgreSQL with pgvector. Cosine
// ordering uses the <=> operator; insertion sequence comes from a BIGSERIAL
// column and breaks distance ties deterministically.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, databaseURL string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("postgres store: dimension must be positive, got %d", dim)
	}

	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initVectorSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, dim: dim}, nil
}

func initVectorSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			message TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			seq BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_chat_history_user_created ON chat_history (user_id, created_at, seq);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_fragments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			visibility TEXT NOT NULL,
			fragment TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			seq BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_document_fragments_user ON document_fragments (user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_document_fragments_source ON document_fragments (source);`,
		`CREATE INDEX IF NOT EXISTS idx_document_fragments_visibility ON document_fragments (visibility);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init vector schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	rec, err := s.prepare(rec)
	if err != nil {
		return err
	}
	if err := insertRecord(ctx, s.pool, rec); err != nil {
		return unavailable("insert record", err)
	}
	return nil
}

func (s *PostgresStore) InsertBatch(ctx context.Context, recs []Record) error {
	prepared := make([]Record, 0, len(recs))
	for _, rec := range recs {
		p, err := s.prepare(rec)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range prepared {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return unavailable("insert batch record", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit batch", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurnCapped(ctx context.Context, rec Record, capacity int) (int64, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("append turn: capacity must be positive, got %d", capacity)
	}
	rec.Kind = KindTurn
	rec, err := s.prepare(rec)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Keep only the newest capacity-1 turns, then insert; committing both in
	// one transaction means readers see at most `capacity` rows at any point.
	tag, err := tx.Exec(ctx,
		`DELETE FROM chat_history
		  WHERE user_id = $1
		    AND id NOT IN (
		      SELECT id FROM chat_history
		       WHERE user_id = $1
		       ORDER BY created_at DESC, seq DESC
		       LIMIT $2)`,
		rec.Owner, capacity-1,
	)
	if err != nil {
		return 0, unavailable("evict oldest turns", err)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return 0, unavailable("insert turn", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit turn append", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteWhere(ctx context.Context, pred Predicate) (int64, error) {
	table, err := tableFor(pred.Kind)
	if err != nil {
		return 0, err
	}
	clause, args := predicateClause(pred, 1)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clause), args...)
	if err != nil {
		return 0, unavailable("delete records", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueryNearest(ctx context.Context, pred Predicate, vec []float32, k int) ([]Record, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, store wants %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	clause, args := predicateClause(pred, 1)
	next := len(args) + 1
	args = append(args, pgvector.NewVector(vec), k)

	var query string
	switch pred.Kind {
	case KindTurn:
		query = fmt.Sprintf(
			`SELECT id, user_id, message, embedding, seq, created_at
			   FROM chat_history WHERE %s
			  ORDER BY embedding <=> $%d, seq ASC LIMIT $%d`,
			clause, next, next+1)
	case KindFragment:
		query = fmt.Sprintf(
			`SELECT id, user_id, source, visibility, fragment, embedding, metadata, seq, created_at
			   FROM document_fragments WHERE %s
			  ORDER BY embedding <=> $%d, seq ASC LIMIT $%d`,
			clause, next, next+1)
	default:
		return nil, fmt.Errorf("query nearest: unknown record kind %q", pred.Kind)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query nearest", err)
	}
	defer rows.Close()
	return scanRecords(rows, pred.Kind, k)
}

func (s *PostgresStore) ListChronological(ctx context.Context, pred Predicate) ([]Record, error) {
	table, err := tableFor(pred.Kind)
	if err != nil {
		return nil, err
	}
	clause, args := predicateClause(pred, 1)

	var columns string
	if pred.Kind == KindTurn {
		columns = `id, user_id, message, embedding, seq, created_at`
	} else {
		columns = `id, user_id, source, visibility, fragment, embedding, metadata, seq, created_at`
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at ASC, seq ASC`, columns, table, clause),
		args...,
	)
	if err != nil {
		return nil, unavailable("list chronological", err)
	}
	defer rows.Close()
	return scanRecords(rows, pred.Kind, 16)
}

func (s *PostgresStore) CountWhere(ctx context.Context, pred Predicate) (int64, error) {
	table, err := tableFor(pred.Kind)
	if err != nil {
		return 0, err
	}
	clause, args := predicateClause(pred, 1)

	var n int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, clause), args...).Scan(&n)
	if err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]SourceRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT source, user_id FROM document_fragments ORDER BY source, user_id`)
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	defer rows.Close()

	var out []SourceRef
	for rows.Next() {
		var ref SourceRef
		if err := rows.Scan(&ref.Source, &ref.Uploader); err != nil {
			return nil, unavailable("scan source row", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate source rows", err)
	}
	return out, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM chat_history ORDER BY user_id`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, unavailable("scan user row", err)
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate user rows", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// prepare validates the dimension and fills identity and timestamp.
func (s *PostgresStore) prepare(rec Record) (Record, error) {
	if len(rec.Embedding) != s.dim {
		return Record{}, fmt.Errorf("%w: record has %d dimensions, store wants %d", ErrDimensionMismatch, len(rec.Embedding), s.dim)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec, nil
}

// execer covers both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRecord(ctx context.Context, q execer, rec Record) error {
	switch rec.Kind {
	case KindTurn:
		_, err := q.Exec(ctx,
			`INSERT INTO chat_history (id, user_id, message, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.Owner, rec.Text, pgvector.NewVector(rec.Embedding), rec.CreatedAt,
		)
		return err
	case KindFragment:
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal fragment metadata: %w", err)
		}
		_, err = q.Exec(ctx,
			`INSERT INTO document_fragments (id, user_id, source, visibility, fragment, embedding, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.Owner, rec.Source, string(rec.Visibility), rec.Text,
			pgvector.NewVector(rec.Embedding), metaJSON, rec.CreatedAt,
		)
		return err
	default:
		return fmt.Errorf("insert record: unknown record kind %q", rec.Kind)
	}
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindTurn:
		return "chat_history", nil
	case KindFragment:
		return "document_fragments", nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

// predicateClause renders the predicate as a conjunction of equality checks,
// starting placeholders at argIndex. An empty predicate matches everything.
func predicateClause(pred Predicate, argIndex int) (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(expr string, value any) {
		parts = append(parts, fmt.Sprintf(expr, argIndex))
		args = append(args, value)
		argIndex++
	}

	if pred.ID != "" {
		add("id = $%d", pred.ID)
	}
	if pred.Owner != "" {
		add("user_id = $%d", pred.Owner)
	}
	if pred.Kind == KindFragment {
		if pred.Source != "" {
			add("source = $%d", pred.Source)
		}
		if pred.Visibility != "" {
			add("visibility = $%d", string(pred.Visibility))
		}
		if pred.VisibleTo != "" {
			parts = append(parts, fmt.Sprintf("(user_id = $%d OR visibility = '%s')", argIndex, VisibilityShared))
			args = append(args, pred.VisibleTo)
			argIndex++
		}
	}

	if len(parts) == 0 {
		return "TRUE", nil
	}
	return strings.Join(parts, " AND "), args
}

func scanRecords(rows pgx.Rows, kind Kind, sizeHint int) ([]Record, error) {
	out := make([]Record, 0, sizeHint)
	for rows.Next() {
		var (
			rec Record
			vec pgvector.Vector
		)
		rec.Kind = kind
		switch kind {
		case KindTurn:
			if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Text, &vec, &rec.Seq, &rec.CreatedAt); err != nil {
				return nil, unavailable("scan turn row", err)
			}
		case KindFragment:
			var (
				visibility string
				metaJSON   []byte
			)
			if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Source, &visibility, &rec.Text, &vec, &metaJSON, &rec.Seq, &rec.CreatedAt); err != nil {
				return nil, unavailable("scan fragment row", err)
			}
			rec.Visibility = Visibility(visibility)
			if len(metaJSON) > 0 {
				if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
					return nil, fmt.Errorf("unmarshal fragment metadata: %w", err)
				}
			}
		}
		rec.Embedding = vec.Slice()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rows", err)
	}
	return out, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
