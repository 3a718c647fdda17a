package dispatch

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/repository"
	"go.flowcatalyst.tech/internal/router/manager"
)

// PoolStatus represents the lifecycle state of a processing pool config.
type PoolStatus string

const (
	PoolStatusActive    PoolStatus = "ACTIVE"
	PoolStatusSuspended PoolStatus = "SUSPENDED"
	PoolStatusArchived  PoolStatus = "ARCHIVED"
)

// ProcessingPoolConfig is a persisted processing pool configuration.
// Collection: dispatch_pools
type ProcessingPoolConfig struct {
	ID              string     `bson:"_id" json:"id"`
	Code            string     `bson:"code" json:"code"`
	Name            string     `bson:"name,omitempty" json:"name,omitempty"`
	Concurrency     int        `bson:"concurrency" json:"concurrency"`
	QueueCapacity   int        `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin *int       `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	Status          PoolStatus `bson:"status" json:"status"`
	CreatedAt       time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// MongoPoolConfigSource reads processing pool configs from MongoDB and
// serves them to the pool registry's reconcile loop.
type MongoPoolConfigSource struct {
	pools *mongo.Collection
}

// NewMongoPoolConfigSource creates a pool config source over db.
func NewMongoPoolConfigSource(db *mongo.Database) *MongoPoolConfigSource {
	return &MongoPoolConfigSource{pools: db.Collection("dispatch_pools")}
}

// FindAllEnabled implements manager.PoolConfigSource: only ACTIVE pools are
// handed to the registry, so suspended and archived pools drain out on the
// next reconcile.
func (s *MongoPoolConfigSource) FindAllEnabled(ctx context.Context) ([]manager.PoolConfig, error) {
	return repository.Instrument(ctx, "dispatch_pools", "FindAllEnabled", func() ([]manager.PoolConfig, error) {
		cursor, err := s.pools.Find(ctx, bson.M{"status": PoolStatusActive})
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var configs []ProcessingPoolConfig
		if err := cursor.All(ctx, &configs); err != nil {
			return nil, err
		}

		result := make([]manager.PoolConfig, 0, len(configs))
		for _, cfg := range configs {
			result = append(result, manager.PoolConfig{
				Code:               cfg.Code,
				Concurrency:        cfg.Concurrency,
				QueueCapacity:      cfg.QueueCapacity,
				RateLimitPerMinute: cfg.RateLimitPerMin,
			})
		}
		return result, nil
	})
}

var _ manager.PoolConfigSource = (*MongoPoolConfigSource)(nil)
