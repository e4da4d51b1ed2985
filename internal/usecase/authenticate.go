package usecase

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
)

// AuthenticateRequest is a username and the freshly captured base64 face image.
type AuthenticateRequest struct {
	Username  string
	ImageData string
}

// AuthenticateResult is the outcome of a comparison the engine completed.
type AuthenticateResult struct {
	UserID          int64
	Username        string
	Authenticated   bool
	SimilarityScore float64
	// LastLoginRecorded is false when the match succeeded but last_login could not be updated.
	LastLoginRecorded bool
	Engine            *engine.Result
}

// Authenticate compares a capture against the user's stored template. The
// engine's match_result decides the outcome; no threshold is applied here.
func (uc *BiometricUseCase) Authenticate(ctx context.Context, req AuthenticateRequest) (*AuthenticateResult, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.authenticate", requestID)

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if strings.TrimSpace(req.ImageData) == "" {
		return nil, &ValidationError{Field: "image_data", Reason: "is required"}
	}
	image, err := decodeImage(req.ImageData)
	if err != nil {
		return nil, err
	}

	// A started flow runs to completion; only the engine timeout cuts it short.
	ctx = context.WithoutCancel(ctx)

	user, err := uc.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	template := uc.cachedTemplate(ctx, requestID, user.ID)
	if template == nil {
		template, err = uc.repo.GetActiveTemplate(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if len(template) == 0 {
			return nil, ErrNoTemplate
		}
		uc.storeCachedTemplate(ctx, requestID, user.ID, template)
	}

	imageHandle, err := uc.artifacts.Persist(image, artifact.KindImage)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.persist_image", requestID, err)
		opLogger.Error("failed to persist capture", zap.Error(wrapped))
		return nil, wrapped
	}
	defer uc.release(opLogger, imageHandle)

	templateHandle, err := uc.artifacts.Persist(template, artifact.KindTemplate)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.persist_template", requestID, err)
		opLogger.Error("failed to persist stored template", zap.Error(wrapped))
		return nil, wrapped
	}
	defer uc.release(opLogger, templateHandle)

	raw, err := uc.engine.Invoke(ctx, imageHandle.Path, strconv.FormatInt(user.ID, 10), templateHandle.Path)
	if err != nil {
		return nil, logging.NewOperationError("usecase.invoke_engine", requestID, err)
	}

	result, err := engine.Parse(raw, engine.ModeAuthenticate)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.parse_engine_output", requestID, err)
		opLogger.Error("unusable engine output", zap.Error(wrapped), zap.String("raw_output", raw))
		return nil, wrapped
	}
	if !result.Succeeded() {
		opLogger.Info("engine reported failure", zap.String("engine_status", result.Status), zap.String("engine_message", result.Message))
		return nil, &EngineFailureError{Result: result}
	}

	out := &AuthenticateResult{
		UserID:          user.ID,
		Username:        username,
		SimilarityScore: result.SimilarityScore,
		Engine:          result,
	}
	if !result.Matched() {
		opLogger.Info("authentication rejected", zap.Int64("user_id", user.ID), zap.Float64("similarity", result.SimilarityScore), zap.String("match_result", result.MatchResult))
		return out, nil
	}

	out.Authenticated = true
	out.LastLoginRecorded = true
	if err := uc.repo.TouchLastLogin(ctx, user.ID); err != nil {
		out.LastLoginRecorded = false
		opLogger.Warn("authenticated but failed to record last login", zap.Error(err), zap.Int64("user_id", user.ID))
	}
	opLogger.Info("user authenticated", zap.Int64("user_id", user.ID), zap.Float64("similarity", result.SimilarityScore))
	return out, nil
}
