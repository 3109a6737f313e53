package pg

import (
	"context"
	"errors"
	"sort"
	"time"

	"PPChat/module/conversation"
	"PPChat/module/message/model"
	"PPChat/module/message/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

const messageCols = `message_id, conversation_id, sender_id, receiver_id, message, message_type,
	metadata, sequence_id, timestamp, delivered_at, read_at, deleted_at,
	COALESCE(kafka_partition, 0), COALESCE(kafka_offset, 0)`

// MessageRepo is the Postgres store.Store.
type MessageRepo struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*MessageRepo)(nil)

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) InsertIdempotent(ctx context.Context, m *model.Message) (bool, error) {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	mt := m.MessageType
	if mt == "" {
		mt = model.TypeText
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO chats (message_id, conversation_id, sender_id, receiver_id, message, message_type,
			metadata, sequence_id, timestamp, kafka_partition, kafka_offset)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (conversation_id, sequence_id) DO NOTHING
		RETURNING message_id`,
		m.MessageID, m.ConversationID.String(), m.SenderID, m.ReceiverID, m.Body, mt,
		meta, m.SequenceID, created, m.KafkaPartition, m.KafkaOffset,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(pkgerrors.Wrapf(err, "insert message %s", m.MessageID))
	}
	return true, nil
}

func (r *MessageRepo) MarkReadUpTo(ctx context.Context, conv conversation.ID, reader string, lastSeq int64, at time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE chats
		SET read_at = $1, seen = TRUE, delivered_at = COALESCE(delivered_at, $1)
		WHERE conversation_id = $2
		  AND sequence_id <= $3
		  AND receiver_id = $4
		  AND read_at IS NULL
		  AND deleted_at IS NULL
		RETURNING message_id, sequence_id`,
		at, conv.String(), lastSeq, reader)
	if err != nil {
		return nil, classify(pkgerrors.Wrap(err, "mark read"))
	}
	type hit struct {
		id  string
		seq int64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.seq); err != nil {
			rows.Close()
			return nil, pkgerrors.Wrap(err, "scan mark read")
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "mark read rows")
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID, receiverID string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE chats SET delivered_at = $1
		WHERE message_id = $2 AND receiver_id = $3 AND delivered_at IS NULL`,
		at, messageID, receiverID)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "mark delivered %s", messageID)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MessageRepo) FetchByID(ctx context.Context, messageID string) (*model.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM chats WHERE message_id = $1`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "fetch message %s", messageID)
	}
	return m, nil
}

func (r *MessageRepo) History(ctx context.Context, q store.HistoryQuery) (store.HistoryPage, error) {
	limit := store.NormLimit(q.Limit)
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageCols+`
		FROM chats
		WHERE conversation_id = $1
		  AND deleted_at IS NULL
		  AND ($2::bigint <= 0 OR sequence_id < $2::bigint)
		ORDER BY sequence_id DESC
		LIMIT $3`,
		q.Conversation.String(), q.BeforeSequence, limit+1)
	if err != nil {
		return store.HistoryPage{}, pkgerrors.Wrap(err, "history")
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return store.HistoryPage{}, err
	}
	page := store.HistoryPage{}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	// 倒序取，升序返回
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs
	return page, nil
}

func (r *MessageRepo) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM chats
		WHERE receiver_id = $1 AND read_at IS NULL AND deleted_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "unread count")
	}
	return n, nil
}

func (r *MessageRepo) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageCols+`, unread FROM (
			SELECT *,
				ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY sequence_id DESC) AS rn,
				COUNT(*) FILTER (WHERE receiver_id = $1 AND read_at IS NULL)
					OVER (PARTITION BY conversation_id) AS unread
			FROM chats
			WHERE (sender_id = $1 OR receiver_id = $1) AND deleted_at IS NULL
		) latest
		WHERE rn = 1
		ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "conversations")
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var (
			m      model.Message
			conv   string
			unread int64
		)
		if err := rows.Scan(messageDest(&m, &conv, &unread)...); err != nil {
			return nil, pkgerrors.Wrap(err, "scan conversation")
		}
		id, err := conversation.Parse(conv)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "row %s", m.MessageID)
		}
		m.ConversationID = id
		other, _ := id.Other(userID)
		out = append(out, model.Conversation{ConversationID: id, OtherUserID: other, LastMessage: m, UnreadCount: unread})
	}
	return out, pkgerrors.Wrap(rows.Err(), "conversations rows")
}

func (r *MessageRepo) SoftDeleteConversation(ctx context.Context, conv conversation.ID, by string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE chats SET deleted_at = $1, deleted_by = $2, version = version + 1
		WHERE conversation_id = $3 AND deleted_at IS NULL`,
		at, by, conv.String())
	if err != nil {
		return 0, pkgerrors.Wrap(err, "soft delete conversation")
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepo) MaxSequence(ctx context.Context, conv conversation.ID) (int64, error) {
	var max int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0) FROM chats WHERE conversation_id = $1`, conv.String()).Scan(&max)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "max sequence")
	}
	return max, nil
}

func (r *MessageRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func messageDest(m *model.Message, conv *string, extra ...any) []any {
	dest := []any{
		&m.MessageID, conv, &m.SenderID, &m.ReceiverID, &m.Body, &m.MessageType,
		&m.Metadata, &m.SequenceID, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.DeletedAt,
		&m.KafkaPartition, &m.KafkaOffset,
	}
	return append(dest, extra...)
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m    model.Message
		conv string
	)
	if err := row.Scan(messageDest(&m, &conv)...); err != nil {
		return nil, err
	}
	id, err := conversation.Parse(conv)
	if err != nil {
		return nil, err
	}
	m.ConversationID = id
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan message")
		}
		out = append(out, *m)
	}
	return out, pkgerrors.Wrap(rows.Err(), "message rows")
}

// IsPermanent reports errors no retry can fix: data exceptions (class 22,
// e.g. 22021 NUL byte in text) and integrity violations (class 23).
func IsPermanent(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) || len(pe.Code) < 2 {
		return false
	}
	switch pe.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

func classify(err error) error {
	if IsPermanent(err) {
		return store.Reject(err)
	}
	return err
}

// IsUniqueViolation 23505
func IsUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// IsTransient reports errors worth redelivering: connection trouble,
// timeouts and serialization/deadlock failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && len(pe.Code) >= 2 {
		switch pe.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	var ce *pgconn.ConnectError
	return errors.As(err, &ce)
}
