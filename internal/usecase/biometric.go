package usecase

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
)

// BiometricRepository defines the persistence operations needed by the use case.
type BiometricRepository interface {
	FindUserByUsername(ctx context.Context, username string) (*repository.User, error)
	FindUserByID(ctx context.Context, userID int64) (*repository.User, error)
	CreateUser(ctx context.Context, username, email string) (int64, error)
	ReplaceTemplate(ctx context.Context, userID int64, data []byte) error
	GetActiveTemplate(ctx context.Context, userID int64) ([]byte, error)
	TouchLastLogin(ctx context.Context, userID int64) error
	CountUsers(ctx context.Context) (int64, error)
	CountTemplates(ctx context.Context) (int64, error)
}

// ArtifactStore persists the per-request files handed to the engine.
type ArtifactStore interface {
	Persist(data []byte, kind artifact.Kind) (*artifact.Handle, error)
	Release(h *artifact.Handle) error
}

// BiometricUseCase runs the enrollment and authentication flows.
type BiometricUseCase struct {
	repo           BiometricRepository
	artifacts      ArtifactStore
	engine         engine.Client
	cache          Cache
	logger         *zap.Logger
	templateTTL    time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBiometricUseCase constructs a new use case instance. A nil cache disables template caching.
func NewBiometricUseCase(repo BiometricRepository, artifacts ArtifactStore, client engine.Client, cache Cache, templateTTL time.Duration, logger *zap.Logger) *BiometricUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if templateTTL <= 0 {
		templateTTL = 10 * time.Minute
	}
	return &BiometricUseCase{
		repo:           repo,
		artifacts:      artifacts,
		engine:         client,
		cache:          cache,
		logger:         logger.Named("biometric_usecase"),
		templateTTL:    templateTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// decodeImage accepts standard base64 with an optional data URL prefix.
// Form-encoded transports turn '+' into spaces, so spaces are restored first.
func decodeImage(encoded string) ([]byte, error) {
	encoded = strings.ReplaceAll(encoded, " ", "+")
	encoded = strings.NewReplacer("\n", "", "\r", "", "\t", "").Replace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		if idx := strings.Index(encoded, ","); idx >= 0 {
			encoded = encoded[idx+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ValidationError{Field: "image_data", Reason: "not valid base64"}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "image_data", Reason: "decoded image is empty"}
	}
	return data, nil
}

func (uc *BiometricUseCase) release(opLogger *zap.Logger, h *artifact.Handle) {
	if err := uc.artifacts.Release(h); err != nil {
		opLogger.Error("failed to release artifact", zap.Error(err), zap.String("path", h.Path))
	}
}
