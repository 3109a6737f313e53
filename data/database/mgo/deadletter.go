package mgo

import (
	"context"
	"time"

	"PPChat/data/database"
	"PPChat/module/message/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DeadLetterTable = "dead_letters"

// deadLetterDoc 归档行；只追加，不删除
type deadLetterDoc struct {
	MessageID      string     `bson:"message_id"`
	ConversationID string     `bson:"conversation_id"`
	ReceiverID     string     `bson:"receiver_id"`
	Status         string     `bson:"status"`
	Attempts       int        `bson:"attempts"`
	SentAt         time.Time  `bson:"sent_at"`
	LastAttemptAt  time.Time  `bson:"last_attempt_at"`
	DeliveredAt    *time.Time `bson:"delivered_at,omitempty"`
	Reason         string     `bson:"reason"`
	MovedAt        time.Time  `bson:"moved_at"`
}

func toDoc(dl model.DeadLetter) deadLetterDoc {
	return deadLetterDoc{
		MessageID:      dl.MessageID,
		ConversationID: dl.ConversationID,
		ReceiverID:     dl.ReceiverID,
		Status:         string(dl.Status),
		Attempts:       dl.Attempts,
		SentAt:         dl.SentAt.UTC(),
		LastAttemptAt:  dl.LastAttemptAt.UTC(),
		DeliveredAt:    dl.DeliveredAt,
		Reason:         dl.Reason,
		MovedAt:        dl.MovedAt.UTC(),
	}
}

// DeadLetterArchive keeps every dead letter ever produced.
type DeadLetterArchive struct {
	coll *mongo.Collection
}

var _ database.Table = (*DeadLetterArchive)(nil)

func NewDeadLetterArchive(db *mongo.Database, collection string) *DeadLetterArchive {
	if collection == "" {
		collection = DeadLetterTable
	}
	return &DeadLetterArchive{coll: db.Collection(collection)}
}

func (a *DeadLetterArchive) GetTableName() string          { return a.coll.Name() }
func (a *DeadLetterArchive) Collection() *mongo.Collection { return a.coll }

func (a *DeadLetterArchive) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "moved_at", Value: -1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "moved_at", Value: -1}}},
	})
	return errors.Wrap(err, "dead letter indexes")
}

func (a *DeadLetterArchive) Archive(ctx context.Context, dl model.DeadLetter) error {
	_, err := a.coll.InsertOne(ctx, toDoc(dl))
	return errors.Wrapf(err, "archive dead letter %s", dl.MessageID)
}

// Recent 最近归档的死信，倒序
func (a *DeadLetterArchive) Recent(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	cur, err := a.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "moved_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "find dead letters")
	}
	defer cur.Close(ctx)

	var docs []deadLetterDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode dead letters")
	}
	out := make([]model.DeadLetter, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.DeadLetter{
			DeliveryRecord: model.DeliveryRecord{
				MessageID:      d.MessageID,
				ConversationID: d.ConversationID,
				ReceiverID:     d.ReceiverID,
				Status:         model.Status(d.Status),
				Attempts:       d.Attempts,
				SentAt:         d.SentAt,
				LastAttemptAt:  d.LastAttemptAt,
				DeliveredAt:    d.DeliveredAt,
				DeadLettered:   true,
			},
			Reason:  d.Reason,
			MovedAt: d.MovedAt,
		})
	}
	return out, nil
}
