package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id              BIGSERIAL PRIMARY KEY,
		message_id      TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		receiver_id     TEXT NOT NULL,
		message         TEXT NOT NULL DEFAULT '',
		message_type    TEXT NOT NULL DEFAULT 'text',
		metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
		sequence_id     BIGINT NOT NULL,
		seen            BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		kafka_partition INTEGER,
		kafka_offset    BIGINT,
		delivered_at    TIMESTAMPTZ,
		read_at         TIMESTAMPTZ,
		deleted_at      TIMESTAMPTZ,
		deleted_by      TEXT,
		version         INTEGER NOT NULL DEFAULT 1,
		CONSTRAINT chats_conversation_sequence_key UNIQUE (conversation_id, sequence_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_chats_receiver_unread
	ON chats(receiver_id)
	WHERE read_at IS NULL AND deleted_at IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_chats_sender ON chats(sender_id)`,
}

// Migrate 幂等建表
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %d", i)
		}
	}
	return nil
}
