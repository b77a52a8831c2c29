package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"codepod/pkg/models"
)

// Gorm implements Store over a SQL database.
type Gorm struct {
	db *gorm.DB
}

var _ Store = (*Gorm)(nil)

func openSQLite(dsn string) (*Gorm, error) {
	// An in-memory database exists per connection, so the pool must be
	// clamped to one or every new connection sees an empty schema.
	return openGorm(sqlite.Open(dsn), isMemoryDSN(dsn))
}

func openPostgres(dsn string) (*Gorm, error) {
	return openGorm(postgres.Open(dsn), false)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

func openGorm(dialector gorm.Dialector, singleConn bool) (*Gorm, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if singleConn {
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Container{}, &models.Session{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Gorm{db: db}, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) CreateContainer(ctx context.Context, c *models.Container) error {
	return g.db.WithContext(ctx).Create(c).Error
}

func (g *Gorm) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	var c models.Container
	err := g.db.WithContext(ctx).First(&c, "container_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *Gorm) ListContainers(ctx context.Context) ([]models.Container, error) {
	var out []models.Container
	err := g.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (g *Gorm) FirstContainerByStatus(ctx context.Context, status models.ContainerStatus) (*models.Container, error) {
	var c models.Container
	err := g.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (g *Gorm) CountContainersByStatus(ctx context.Context) (map[models.ContainerStatus]int64, error) {
	var rows []struct {
		Status models.ContainerStatus
		N      int64
	}
	err := g.db.WithContext(ctx).
		Model(&models.Container{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[models.ContainerStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (g *Gorm) UpdateContainerStatus(ctx context.Context, id string, status models.ContainerStatus) error {
	return g.containerUpdate(ctx, id, map[string]interface{}{"status": status})
}

func (g *Gorm) SetContainerEngineState(ctx context.Context, id, engineState string) error {
	return g.containerUpdate(ctx, id, map[string]interface{}{"docker_status": engineState})
}

func (g *Gorm) containerUpdate(ctx context.Context, id string, fields map[string]interface{}) error {
	res := g.db.WithContext(ctx).
		Model(&models.Container{}).
		Where("container_id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) ReplaceContainer(ctx context.Context, oldID string, c *models.Container) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Container{}, "container_id = ?", oldID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(c).Error
	})
}

func (g *Gorm) DeleteContainer(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Delete(&models.Container{}, "container_id = ?", id).Error
}

func (g *Gorm) CreateSession(ctx context.Context, s *models.Session) error {
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *Gorm) GetSession(ctx context.Context, id uint) (*models.Session, error) {
	var s models.Session
	err := g.db.WithContext(ctx).First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gorm) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	q := g.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Session
	err := q.Find(&out).Error
	return out, err
}

func (g *Gorm) ActiveSessionsByContainer(ctx context.Context, containerID string) ([]models.Session, error) {
	var out []models.Session
	err := g.db.WithContext(ctx).
		Where("container_id = ? AND status = ?", containerID, models.SessionActive).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (g *Gorm) CountSessions(ctx context.Context, status models.SessionStatus) (int64, error) {
	q := g.db.WithContext(ctx).Model(&models.Session{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (g *Gorm) RenameSession(ctx context.Context, id uint, name string) error {
	return g.sessionUpdate(ctx, id, map[string]interface{}{"name": name})
}

func (g *Gorm) TouchSession(ctx context.Context, id uint, at time.Time) error {
	return g.sessionUpdate(ctx, id, map[string]interface{}{"last_activity_at": at.UTC()})
}

func (g *Gorm) IncrementSessionCommands(ctx context.Context, id uint, at time.Time) error {
	return g.sessionUpdate(ctx, id, map[string]interface{}{
		"command_count":    gorm.Expr("command_count + ?", 1),
		"last_activity_at": at.UTC(),
	})
}

func (g *Gorm) SetSessionExecuting(ctx context.Context, id uint, executing bool) error {
	return g.sessionUpdate(ctx, id, map[string]interface{}{"is_executing_command": executing})
}

func (g *Gorm) MarkSessionDestroyed(ctx context.Context, id uint) error {
	return g.sessionUpdate(ctx, id, map[string]interface{}{
		"status":               models.SessionDestroyed,
		"container_id":         nil,
		"is_executing_command": false,
	})
}

func (g *Gorm) ResetExecutingSessions(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status = ? AND is_executing_command = ?", models.SessionActive, true).
		Update("is_executing_command", false)
	return res.RowsAffected, res.Error
}

func (g *Gorm) sessionUpdate(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := g.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
