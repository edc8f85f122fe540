package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads chat membership from the relational store
// (tables: chats, chat_members). Read-only from the relay's point of view.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by the directory (default: "courier").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return d, nil
}

// Members returns the user ids belonging to chatID.
func (d *PostgresDirectory) Members(ctx context.Context, chatID string) ([]string, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("relay: nil directory")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("relay: missing chat_id")
	}

	members := pgIdent(d.schema, "chat_members")

	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE chat_id = $1`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ExistingChats returns the subset of ids present in the chats table.
func (d *PostgresDirectory) ExistingChats(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("relay: nil directory")
	}
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}

	chats := pgIdent(d.schema, "chats")

	rows, err := d.pool.Query(ctx,
		`SELECT id FROM `+chats+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}
