package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
)

var (
	// ErrDuplicateUser is returned when a username is already taken.
	ErrDuplicateUser = errors.New("user already exists")
	// ErrPersistence marks any other storage fault.
	ErrPersistence = errors.New("persistence failure")
)

// BiometricRepository persists users and their single active biometric template.
type BiometricRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBiometricRepository creates a new repository instance.
func NewBiometricRepository(db *gorm.DB, logger *zap.Logger) *BiometricRepository {
	return &BiometricRepository{
		db:             db,
		logger:         logger.Named("biometric_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *BiometricRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&User{}, &BiometricTemplate{})
}

// Ping verifies the database connection.
func (r *BiometricRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindUserByUsername returns the user or nil when no such user exists.
func (r *BiometricRepository) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.findUser(ctx, "repository.find_user_by_username", "username = ?", username)
}

// FindUserByID returns the user or nil when no such user exists.
func (r *BiometricRepository) FindUserByID(ctx context.Context, userID int64) (*User, error) {
	return r.findUser(ctx, "repository.find_user_by_id", "id = ?", userID)
}

func (r *BiometricRepository) findUser(ctx context.Context, operation, query string, arg any) (*User, error) {
	var user *User
	err := r.executeWithRetry(ctx, operation, logging.RequestIDFromContext(ctx), func() error {
		var found User
		err := r.db.WithContext(ctx).Where(query, arg).First(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = nil
			return nil
		}
		if err != nil {
			return err
		}
		user = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a user and returns the generated id.
func (r *BiometricRepository) CreateUser(ctx context.Context, username, email string) (int64, error) {
	user := &User{Username: username, Email: email, CreatedAt: time.Now().UTC()}
	err := r.executeWithRetry(ctx, "repository.create_user", logging.RequestIDFromContext(ctx), func() error {
		if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", ErrDuplicateUser, username)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// ReplaceTemplate removes every template held by userID and stores data as the
// only one, in a single transaction. The user row is locked first so concurrent
// replacements for the same user serialize.
func (r *BiometricRepository) ReplaceTemplate(ctx context.Context, userID int64, data []byte) error {
	return r.executeWithRetry(ctx, "repository.replace_template", logging.RequestIDFromContext(ctx), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owner User
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&owner, userID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("user %d not found", userID)
				}
				return err
			}
			if err := tx.Where("user_id = ?", userID).Delete(&BiometricTemplate{}).Error; err != nil {
				return err
			}
			return tx.Create(&BiometricTemplate{
				UserID:       userID,
				TemplateData: data,
				CreatedAt:    time.Now().UTC(),
			}).Error
		})
	})
}

// GetActiveTemplate returns the user's template payload or nil if none is stored.
func (r *BiometricRepository) GetActiveTemplate(ctx context.Context, userID int64) ([]byte, error) {
	var data []byte
	err := r.executeWithRetry(ctx, "repository.get_active_template", logging.RequestIDFromContext(ctx), func() error {
		var tmpl BiometricTemplate
		err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").First(&tmpl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			data = nil
			return nil
		}
		if err != nil {
			return err
		}
		data = tmpl.TemplateData
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// TouchLastLogin stamps the user's last successful authentication time.
func (r *BiometricRepository) TouchLastLogin(ctx context.Context, userID int64) error {
	return r.executeWithRetry(ctx, "repository.touch_last_login", logging.RequestIDFromContext(ctx), func() error {
		res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("last_login", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d not found", userID)
		}
		return nil
	})
}

// ListTemplates returns every stored template. Reserved for one-to-many search.
func (r *BiometricRepository) ListTemplates(ctx context.Context) ([]BiometricTemplate, error) {
	var templates []BiometricTemplate
	err := r.executeWithRetry(ctx, "repository.list_templates", logging.RequestIDFromContext(ctx), func() error {
		templates = nil
		return r.db.WithContext(ctx).Order("user_id").Find(&templates).Error
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// CountUsers returns the number of registered users.
func (r *BiometricRepository) CountUsers(ctx context.Context) (int64, error) {
	return r.count(ctx, "repository.count_users", &User{})
}

// CountTemplates returns the number of stored templates, i.e. enrolled users.
func (r *BiometricRepository) CountTemplates(ctx context.Context) (int64, error) {
	return r.count(ctx, "repository.count_templates", &BiometricTemplate{})
}

func (r *BiometricRepository) count(ctx context.Context, operation string, model any) (int64, error) {
	var n int64
	err := r.executeWithRetry(ctx, operation, logging.RequestIDFromContext(ctx), func() error {
		return r.db.WithContext(ctx).Model(model).Count(&n).Error
	})
	return n, err
}

func (r *BiometricRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, classify(ctx.Err()))
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !IsTransientError(err) || attempt == attempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	if errors.Is(err, ErrDuplicateUser) {
		opLogger.Info("duplicate record", zap.Error(err))
	} else {
		opLogger.Error("database operation failed", zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, classify(err))
}

func classify(err error) error {
	if errors.Is(err, ErrDuplicateUser) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// IsTransientError reports whether err is a timeout or temporary failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
