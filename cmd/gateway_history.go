package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/dynamo"
	"github.com/nextlevelbuilder/chatrelay/internal/store/file"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatrelay/internal/upgrade"
)

// History backend names accepted in history.backend.
const (
	backendFile     = "file"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendDynamo   = "dynamodb"
)

// openHistoryBackend creates the configured TurnStore. The caller owns Close.
func openHistoryBackend(ctx context.Context, cfg *config.Config) (store.TurnStore, error) {
	hc := cfg.History
	switch hc.Backend {
	case "", backendFile:
		return file.NewTurnStore(config.ExpandHome(hc.Storage))

	case backendSQLite:
		return sqlite.Open(config.ExpandHome(hc.SQLitePath))

	case backendPostgres:
		return openPostgresBackend(cfg.Database.PostgresDSN)

	case backendDynamo:
		awsCfg, err := loadAWSConfig(ctx, cfg.Secrets.Region)
		if err != nil {
			return nil, err
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), hc.DynamoTable, hc.DynamoTTLDuration())

	default:
		return nil, fmt.Errorf("unknown history backend %q (want file, sqlite, postgres or dynamodb)", hc.Backend)
	}
}

// openPostgresBackend connects and refuses to run against an incompatible
// schema. CHATRELAY_AUTO_MIGRATE=true applies pending migrations first.
func openPostgresBackend(dsn string) (store.TurnStore, error) {
	if dsn == "" {
		return nil, errors.New("CHATRELAY_POSTGRES_DSN environment variable is not set")
	}
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if schemaErr := status.Err(); schemaErr != nil {
		if !status.NeedsMigration || os.Getenv("CHATRELAY_AUTO_MIGRATE") != "true" {
			db.Close()
			fmt.Fprint(os.Stderr, upgrade.FormatError(status))
			return nil, schemaErr
		}
		slog.Info("applying pending migrations", "current", status.CurrentVersion, "required", status.RequiredVersion)
		if err := migrateUp(dsn); err != nil {
			db.Close()
			return nil, err
		}
	}
	return pg.NewPGTurnStore(db), nil
}
