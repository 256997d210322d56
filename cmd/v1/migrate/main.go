// Command migrate rewrites persisted rooms from the legacy token shape to
// the current contents-union shape. Run it once, offline, before deploying a
// server version that only understands the new shape.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/migration"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, relying on environment variables")
	}

	if err := logging.Initialize(os.Getenv("DEVELOPMENT_MODE") == "true"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", addr, "error", err)
		os.Exit(1)
	}

	migrated, err := migration.NewMigrator(client).Run(ctx)
	if err != nil {
		slog.Error("Migration failed", "migrated", migrated, "error", err)
		os.Exit(1)
	}
	slog.Info("Migration complete", "migrated", migrated)
}
