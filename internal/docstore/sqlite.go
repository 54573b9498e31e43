package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

var fieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type SQLite struct {
	conn *sql.DB
}

func Open(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets readers proceed while a writer commits.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if !fieldName.MatchString(field) {
		return nil, fmt.Errorf("invalid query field %q", field)
	}
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, body FROM documents WHERE collection = ? AND json_extract(body, ?) = ? ORDER BY id",
		collection, "$."+field, value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var body string
		if err := rows.Scan(&d.ID, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", collection, err)
		}
		d.Body = []byte(body)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// All returns every document in a collection ordered by id.
func (s *SQLite) All(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, body FROM documents WHERE collection = ? ORDER BY id", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var body string
		if err := rows.Scan(&d.ID, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", collection, err)
		}
		d.Body = []byte(body)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var body string
	err := s.conn.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND id = ?", collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return []byte(body), nil
}

func (s *SQLite) Set(ctx context.Context, collection, id string, body []byte) error {
	return s.Batch(ctx, []Op{SetOp(collection, id, body)})
}

func (s *SQLite) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.Batch(ctx, []Op{{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}})
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	return s.Batch(ctx, []Op{DeleteOp(collection, id)})
}

func (s *SQLite) Batch(ctx context.Context, ops []Op) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := apply(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func apply(ctx context.Context, tx *sql.Tx, op Op) error {
	switch op.Kind {
	case OpSet:
		if !json.Valid(op.Body) {
			return fmt.Errorf("document %s/%s is not valid JSON", op.Collection, op.ID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`,
			op.Collection, op.ID, string(op.Body))
		if err != nil {
			return fmt.Errorf("failed to set %s/%s: %w", op.Collection, op.ID, err)
		}
	case OpUpdate:
		var body string
		err := tx.QueryRowContext(ctx,
			"SELECT body FROM documents WHERE collection = ? AND id = ?", op.Collection, op.ID,
		).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load %s/%s: %w", op.Collection, op.ID, err)
		}
		doc := map[string]any{}
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return fmt.Errorf("document %s/%s is not an object: %w", op.Collection, op.ID, err)
		}
		for k, v := range op.Fields {
			if v == nil {
				delete(doc, k)
			} else {
				doc[k] = v
			}
		}
		merged, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", op.Collection, op.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE documents SET body = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?",
			string(merged), op.Collection, op.ID); err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", op.Collection, op.ID, err)
		}
	case OpDelete:
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE collection = ? AND id = ?", op.Collection, op.ID); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", op.Collection, op.ID, err)
		}
	default:
		return fmt.Errorf("unknown batch op %d", op.Kind)
	}
	return nil
}

// Counts returns the number of documents per collection, used by the status
// command.
func (s *SQLite) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT collection, COUNT(*) FROM documents GROUP BY collection")
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
