package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"taskflow-server/config"
	"taskflow-server/core"
	"taskflow-server/stores/aztables"
	"taskflow-server/stores/cache"
	"taskflow-server/stores/memory"
	"taskflow-server/stores/mongo"
	"taskflow-server/stores/sqlite"
)

// GetStore builds the task store selected by STORAGE_TYPE and wraps it with
// the Redis read cache when REDIS_URL is set.
func GetStore(ctx context.Context, cfg config.Config) (core.TaskStore, error) {
	var store core.TaskStore

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "mongo":
		storageField["database"] = cfg.MongoDatabase
		s, err := mongo.NewStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		store = s
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		s, err := sqlite.NewStore(cfg.DataSourceName)
		if err != nil {
			return nil, err
		}
		store = s
	case "aztables":
		if cfg.AzureTablesConnectionString == "" {
			return nil, fmt.Errorf("AZURE_TABLES_CONNECTION_STRING must be set for aztables storage type")
		}
		storageField["table"] = cfg.AzureTablesTable
		s, err := aztables.NewStore(ctx, cfg.AzureTablesConnectionString, cfg.AzureTablesTable)
		if err != nil {
			return nil, err
		}
		store = s
	case "", "memory":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown STORAGE_TYPE %q", cfg.StorageType)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Warn("Redis unreachable, reads will not be cached")
		}
		store = cache.New(store, client, cfg.CacheTTL)
		storageField["cacheTTL"] = cfg.CacheTTL
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

// Close releases the connections held by a store built with GetStore.
func Close(ctx context.Context, store core.TaskStore) error {
	switch s := store.(type) {
	case *cache.Store:
		return errors.Join(s.Close(), Close(ctx, s.TaskStore))
	case interface{ Close() error }:
		return s.Close()
	case interface{ Close(context.Context) error }:
		return s.Close(ctx)
	}
	return nil
}
