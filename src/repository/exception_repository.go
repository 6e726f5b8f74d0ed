package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{
		db: database.MainDB,
	}
}

func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(
	ctx context.Context,
	exc *model.Exception,
) error {

	logger.WithFields(map[string]interface{}{
		"service": exc.Service,
		"module":  exc.Module,
		"method":  exc.Method,
		"level":   exc.Level,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// Latest returns the most recent exceptions, newest first.
func (r *ExceptionRepository) Latest(ctx context.Context, limit int) ([]model.Exception, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.Exception
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
