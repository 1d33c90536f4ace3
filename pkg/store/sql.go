package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// sqlPersister stores descriptors as JSON documents with a few indexed
// columns. SQLite and PostgreSQL share it and differ only in placeholders.
type sqlPersister struct {
	db       *sql.DB
	numbered bool // $1 placeholders instead of ?
}

const egressSchema = `
	CREATE TABLE IF NOT EXISTS egress (
		id TEXT PRIMARY KEY,
		room_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		ended_at BIGINT NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_egress_room ON egress(room_name);
	CREATE INDEX IF NOT EXISTS idx_egress_status ON egress(status);
	CREATE INDEX IF NOT EXISTS idx_egress_created ON egress(created_at);
	`

func (p *sqlPersister) initSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, egressSchema)
	return err
}

// rebind rewrites ? placeholders for drivers that number them
func (p *sqlPersister) rebind(query string) string {
	if !p.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save upserts a descriptor
func (p *sqlPersister) Save(ctx context.Context, info *models.EgressInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal egress %s: %w", info.EgressID, err)
	}
	_, err = p.db.ExecContext(ctx, p.rebind(`
		INSERT INTO egress (id, room_name, status, created_at, updated_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at,
			data = excluded.data
	`), info.EgressID, info.RoomName, string(info.Status), info.CreatedAt, info.UpdatedAt, info.EndedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save egress %s: %w", info.EgressID, err)
	}
	return nil
}

// Delete removes a descriptor
func (p *sqlPersister) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, p.rebind(`DELETE FROM egress WHERE id = ?`), id)
	return err
}

// LoadAll returns every descriptor in creation order
func (p *sqlPersister) LoadAll(ctx context.Context) ([]*models.EgressInfo, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM egress ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query egress: %w", err)
	}
	defer rows.Close()

	var out []*models.EgressInfo
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		info, err := models.UnmarshalEgressInfo([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode egress row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// HealthCheck pings the database
func (p *sqlPersister) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database
func (p *sqlPersister) Close() error {
	return p.db.Close()
}
