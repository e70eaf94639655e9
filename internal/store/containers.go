package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Container is a namespaced blob container. Metadata is stored as given;
// the retention sweep does not read it and deletes no blobs.
type Container struct {
	Name           string         `json:"name"`
	StorageAccount string         `json:"storage_account"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RowVer         int64          `json:"-"`
}

const containersSchema = `
CREATE TABLE IF NOT EXISTS containers (
	name TEXT PRIMARY KEY,
	storage_account TEXT NOT NULL,
	metadata TEXT,
	row_version INTEGER NOT NULL DEFAULT 1
);
`

// InsertContainer registers a new container binding.
func (s *Store) InsertContainer(ctx context.Context, c *Container) error {
	metaJSON, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal container metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO containers (name, storage_account, metadata, row_version) VALUES (?, ?, ?, 1);
	`, c.Name, c.StorageAccount, nullableString(metaJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert container: %w", err)
	}
	c.RowVer = 1
	return nil
}

// GetContainer returns a Container by name.
func (s *Store) GetContainer(ctx context.Context, name string) (*Container, error) {
	var c Container
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT name, storage_account, metadata, row_version FROM containers WHERE name = ?;`, name).
		Scan(&c.Name, &c.StorageAccount, &metaJSON, &c.RowVer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get container: %w", err)
	}
	if metaJSON.Valid {
		if err := unmarshalJSON(metaJSON.String, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal container metadata: %w", err)
		}
	}
	return &c, nil
}

// ListContainers returns every registered container.
func (s *Store) ListContainers(ctx context.Context) ([]Container, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, storage_account, metadata, row_version FROM containers ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		var c Container
		var metaJSON sql.NullString
		if err := rows.Scan(&c.Name, &c.StorageAccount, &metaJSON, &c.RowVer); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		if metaJSON.Valid {
			_ = unmarshalJSON(metaJSON.String, &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContainer removes a container binding. Idempotent.
func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}
