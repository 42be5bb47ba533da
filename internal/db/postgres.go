package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
	"github.com/yungbote/ipsibridge-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	dsn := utils.GetEnv("CORPUS_URL", "", nil)
	if dsn == "" {
		postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
		postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
		postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", nil)
		postgresName := utils.GetEnv("POSTGRES_NAME", "ipsibridge", log)
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)
	}

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Session{},
		&types.Message{},
		&types.Document{},
		&types.DocumentChunk{},
		&types.UsageCounter{},
		&types.TurnLog{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}

	s.log.Info("Configuring foreign key relationships for postgres tables...")
	if err := s.db.Exec(`
		DO $$ BEGIN
			ALTER TABLE "messages"
			ADD CONSTRAINT "fk_messages_session_id"
			FOREIGN KEY ("session_id")
			REFERENCES "sessions"("id")
			ON DELETE CASCADE;
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("failed to add fk_messages_session_id: %w", err)
	}
	if err := s.db.Exec(`
		DO $$ BEGIN
			ALTER TABLE "document_chunks"
			ADD CONSTRAINT "fk_document_chunks_document_id"
			FOREIGN KEY ("document_id")
			REFERENCES "documents"("id")
			ON DELETE CASCADE;
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("failed to add fk_document_chunks_document_id: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
