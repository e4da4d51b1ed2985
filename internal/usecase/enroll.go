package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
)

// EnrollRequest is a new user's username, optional email and base64 face image.
type EnrollRequest struct {
	Username  string
	Email     string
	ImageData string
}

// EnrollResult describes a completed or partially completed enrollment.
type EnrollResult struct {
	UserID   int64
	Username string
	Email    string
	// Engine is set once the engine output has been parsed, even when a later step fails.
	Engine *engine.Result
}

// Enroll registers a new user with the template extracted from their face image.
// The returned result is non-nil whenever the engine produced a parsed result.
func (uc *BiometricUseCase) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.enroll", requestID)

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if strings.TrimSpace(req.ImageData) == "" {
		return nil, &ValidationError{Field: "image_data", Reason: "is required"}
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = username + "@example.com"
	}

	image, err := decodeImage(req.ImageData)
	if err != nil {
		return nil, err
	}

	// A started flow runs to completion; only the engine timeout cuts it short.
	ctx = context.WithoutCancel(ctx)

	imageHandle, err := uc.artifacts.Persist(image, artifact.KindImage)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.persist_image", requestID, err)
		opLogger.Error("failed to persist capture", zap.Error(wrapped))
		return nil, wrapped
	}
	defer uc.release(opLogger, imageHandle)

	raw, err := uc.engine.Invoke(ctx, imageHandle.Path, username, "")
	if err != nil {
		return nil, logging.NewOperationError("usecase.invoke_engine", requestID, err)
	}

	result, err := engine.Parse(raw, engine.ModeEnroll)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.parse_engine_output", requestID, err)
		opLogger.Error("unusable engine output", zap.Error(wrapped), zap.String("raw_output", raw))
		return nil, wrapped
	}

	out := &EnrollResult{Username: username, Email: email, Engine: result}
	if !result.Succeeded() {
		opLogger.Info("engine rejected enrollment capture", zap.String("engine_status", result.Status), zap.String("engine_message", result.Message))
		return out, &EngineFailureError{Result: result}
	}

	existing, err := uc.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return out, err
	}
	if existing != nil {
		opLogger.Info("username already enrolled", zap.String("username", username))
		return out, ErrDuplicateUser
	}

	userID, err := uc.repo.CreateUser(ctx, username, email)
	if err != nil {
		if !errors.Is(err, ErrDuplicateUser) {
			opLogger.Error("failed to create user", zap.Error(err))
		}
		return out, err
	}

	if err := uc.repo.ReplaceTemplate(ctx, userID, result.Vector); err != nil {
		opLogger.Error("failed to store template", zap.Error(err), zap.Int64("user_id", userID))
		return out, err
	}
	uc.evictCachedTemplate(ctx, requestID, userID)

	out.UserID = userID
	opLogger.Info("user enrolled", zap.Int64("user_id", userID), zap.String("username", username))
	return out, nil
}
