package database

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// Table mongo 集合的统一描述
type Table interface {
	GetTableName() string
	Collection() *mongo.Collection
	EnsureIndexes(ctx context.Context) error
}

// EnsureIndexes 启动时为每张表建索引
func EnsureIndexes(ctx context.Context, tables ...Table) error {
	for _, t := range tables {
		if err := t.EnsureIndexes(ctx); err != nil {
			return errors.Wrapf(err, "ensure indexes on %s", t.GetTableName())
		}
	}
	return nil
}
