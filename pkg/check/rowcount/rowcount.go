// Package rowcount provides the COUNT_MATCH checker: per table it compares the record
// counts of source and target. It does not compare row contents.
package rowcount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pipecheck/pkg/check"
	"pipecheck/pkg/models"
)

const AlgorithmType = "COUNT_MATCH"

// Counter counts the records of a table.
type Counter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// Checker implements check.Checker by comparing table record counts.
type Checker struct {
	source   Counter
	target   Counter
	tables   []string
	progress *check.ProgressContext

	canceling atomic.Bool
}

func NewChecker(source, target Counter, tables []string, progress *check.ProgressContext) *Checker {
	return &Checker{source: source, target: target, tables: tables, progress: progress}
}

// Factory opens gorm connections to both sides and returns a COUNT_MATCH checker.
func Factory(source, target check.Source, progress *check.ProgressContext) (check.Checker, error) {
	src, err := openCounter(source.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	dst, err := openCounter(target.DSN)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to open target: %w", err)
	}
	return NewChecker(src, dst, source.Tables, progress), nil
}

// Check counts each table on both sides. The canceling flag is polled before every table.
func (c *Checker) Check(ctx context.Context, algorithmType string, _ models.Properties) (models.CheckResultMap, error) {
	if algorithmType != AlgorithmType {
		return nil, fmt.Errorf("checker supports %s, got %q", AlgorithmType, algorithmType)
	}
	result := make(models.CheckResultMap, len(c.tables))
	for _, table := range c.tables {
		if c.canceling.Load() {
			return nil, check.ErrCanceled
		}
		srcCount, err := c.source.Count(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("count source table %s: %w", table, err)
		}
		dstCount, err := c.target.Count(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("count target table %s: %w", table, err)
		}
		result[table] = models.TableCheckResult{
			Matched:            srcCount == dstCount,
			SourceRecordsCount: srcCount,
			TargetRecordsCount: dstCount,
		}
		if c.progress != nil {
			c.progress.MarkTableChecked(table)
		}
	}
	return result, nil
}

func (c *Checker) Cancel() {
	c.canceling.Store(true)
}

func (c *Checker) IsCanceling() bool {
	return c.canceling.Load()
}

// Close releases the counters that hold connections.
func (c *Checker) Close() error {
	var errs []error
	for _, counter := range []Counter{c.source, c.target} {
		if closer, ok := counter.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

type gormCounter struct {
	db *gorm.DB
}

func openCounter(dsn string) (*gormCounter, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return &gormCounter{db: db}, nil
}

func (g *gormCounter) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := g.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (g *gormCounter) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
