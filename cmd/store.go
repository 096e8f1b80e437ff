package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	offlinecache "github.com/dgduncan/go-offline-cache"
	dynamodbcache "github.com/dgduncan/go-offline-cache/caches/dynamodb"
	"github.com/dgduncan/go-offline-cache/caches/local"
	"github.com/dgduncan/go-offline-cache/caches/postgres"
	rediscache "github.com/dgduncan/go-offline-cache/caches/redis"
	"github.com/dgduncan/go-offline-cache/caches/sqlite"
)

const defaultSQLitePath = "offline_cache.db"

type backend struct {
	store offlinecache.Store
	tasks offlinecache.TaskStore
	close func() error
}

func nopClose() error { return nil }

func openBackend(ctx context.Context, s settings, logger *slog.Logger) (backend, error) {
	switch strings.ToLower(strings.TrimSpace(s.Store)) {
	case "", "memory":
		return backend{store: local.NewBasicStore(), tasks: local.NewBasicTaskStore(), close: nopClose}, nil

	case "sqlite":
		path := s.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		st, err := sqlite.Open(ctx, path)
		if err != nil {
			return backend{}, err
		}
		return backend{store: st, tasks: st, close: st.Close}, nil

	case "postgres":
		db, err := sql.Open("postgres", s.DSN)
		if err != nil {
			return backend{}, err
		}
		c, err := postgres.New(ctx, db, &postgres.Config{PruneOrphans: true, Logger: logger})
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}
		return backend{store: c, tasks: c, close: db.Close}, nil

	case "dynamodb":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return backend{}, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if s.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(s.DynamoEndpoint)
			}
		})
		if s.DynamoCreateTable {
			if err := dynamodbcache.CreateTable(ctx, client, s.DynamoTable); err != nil {
				return backend{}, fmt.Errorf("create table: %w", err)
			}
		}
		c, err := dynamodbcache.New(ctx, client, &dynamodbcache.Config{Table: s.DynamoTable})
		if err != nil {
			return backend{}, err
		}
		return backend{store: c, tasks: c, close: nopClose}, nil

	case "redis":
		opts, err := redis.ParseURL(s.DSN)
		if err != nil {
			return backend{}, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		c, err := rediscache.New(ctx, client, nil)
		if err != nil {
			_ = client.Close()
			return backend{}, err
		}
		return backend{store: c, tasks: c, close: client.Close}, nil
	}

	return backend{}, fmt.Errorf("unknown store %q", s.Store)
}
