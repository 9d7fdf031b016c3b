package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt:    true,
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&models.PipelineJobConfiguration{},
		&models.CheckJobConfiguration{},
		&models.JobItemProgress{},
		&models.JobItemError{},
	)
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- JobConfigStore ---

// CreatePipelineJob persists a parent pipeline job configuration.
func (s *PostgresStore) CreatePipelineJob(ctx context.Context, cfg *models.PipelineJobConfiguration) error {
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create pipeline job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipelineJob(ctx context.Context, jobID string) (*models.PipelineJobConfiguration, error) {
	var cfg models.PipelineJobConfiguration
	if err := s.db.WithContext(ctx).First(&cfg, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) CreateCheckJob(ctx context.Context, cfg *models.CheckJobConfiguration) error {
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create check job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckJob(ctx context.Context, jobID string) (*models.CheckJobConfiguration, error) {
	var cfg models.CheckJobConfiguration
	if err := s.db.WithContext(ctx).First(&cfg, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) DisableCheckJob(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.CheckJobConfiguration{}).
		Where("job_id = ?", jobID).
		Update("disabled", true)
	if result.Error != nil {
		return fmt.Errorf("failed to disable check job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- ProgressStore ---

func (s *PostgresStore) UpsertJobItemProgress(ctx context.Context, progress *models.JobItemProgress) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "sharding_item"}},
			UpdateAll: true,
		}).
		Create(progress)
	if result.Error != nil {
		return fmt.Errorf("failed to persist job item progress: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetJobItemProgress(ctx context.Context, jobID string, shardingItem int) (*models.JobItemProgress, error) {
	var progress models.JobItemProgress
	err := s.db.WithContext(ctx).
		First(&progress, "job_id = ? AND sharding_item = ?", jobID, shardingItem).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &progress, nil
}

func (s *PostgresStore) SaveJobItemError(ctx context.Context, jobErr *models.JobItemError) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "sharding_item"}},
			DoUpdates: clause.AssignmentColumns([]string{"message", "reported_at"}),
		}).
		Create(jobErr)
	if result.Error != nil {
		return fmt.Errorf("failed to persist job item error: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetJobItemError(ctx context.Context, jobID string, shardingItem int) (*models.JobItemError, error) {
	var jobErr models.JobItemError
	err := s.db.WithContext(ctx).
		First(&jobErr, "job_id = ? AND sharding_item = ?", jobID, shardingItem).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &jobErr, nil
}

// MarkOrphansAsFailed fails items stuck in RUNNING whose node is no longer alive.
func (s *PostgresStore) MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&models.JobItemProgress{}).
		Where("status = ?", models.JobStatusRunning).
		Where("check_end_time IS NULL")

	if len(activeNodeIDs) > 0 {
		query = query.Where("node_id NOT IN ?", activeNodeIDs)
	}

	result := query.Updates(map[string]interface{}{
		"status":         models.JobStatusFailed,
		"check_end_time": time.Now(),
	})
	return result.RowsAffected, result.Error
}
