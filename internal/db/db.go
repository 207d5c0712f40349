package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// AutoMigrate creates the chat tables. Statements are idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_rooms (
            id VARCHAR(128) PRIMARY KEY,
            job_id VARCHAR(120) UNIQUE NOT NULL,
            job_title TEXT NOT NULL DEFAULT '',
            client_id VARCHAR(64) NOT NULL,
            client_name TEXT NOT NULL DEFAULT '',
            engineer_id VARCHAR(64) NOT NULL,
            engineer_name TEXT NOT NULL DEFAULT '',
            last_message_id VARCHAR(32),
            unread JSONB NOT NULL DEFAULT '{}'::jsonb,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE INDEX IF NOT EXISTS chat_rooms_client_idx ON chat_rooms (client_id)`,
		`CREATE INDEX IF NOT EXISTS chat_rooms_engineer_idx ON chat_rooms (engineer_id)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
            seq BIGSERIAL PRIMARY KEY,
            id VARCHAR(32) UNIQUE NOT NULL,
            room_id VARCHAR(128) NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
            sender_id VARCHAR(64) NOT NULL,
            sender_name TEXT NOT NULL DEFAULT '',
            sender_type VARCHAR(10) NOT NULL CHECK (sender_type IN ('client', 'engineer')),
            content TEXT NOT NULL,
            sent_at TIMESTAMPTZ NOT NULL,
            type VARCHAR(10) NOT NULL CHECK (type IN ('text', 'image', 'file', 'system')),
            status VARCHAR(10) NOT NULL CHECK (status IN ('sending', 'sent', 'delivered', 'read', 'failed')),
            metadata JSONB
        )`,

		`CREATE INDEX IF NOT EXISTS chat_messages_room_seq_idx ON chat_messages (room_id, seq)`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}
