package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/auth"
	"github.com/Rimos-Dev/biometric-prototype/internal/logging"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
	"github.com/Rimos-Dev/biometric-prototype/internal/usecase"
)

// DefaultMaxRequestBytes bounds the JSON body of enroll and authenticate requests.
const DefaultMaxRequestBytes int64 = 10 << 20

const requestIDHeader = "X-Request-ID"

// BiometricService is the use case surface the handlers depend on.
type BiometricService interface {
	Enroll(ctx context.Context, req usecase.EnrollRequest) (*usecase.EnrollResult, error)
	Authenticate(ctx context.Context, req usecase.AuthenticateRequest) (*usecase.AuthenticateResult, error)
	GetProfile(ctx context.Context, userID int64) (*repository.User, error)
	GetEnrollmentSummary(ctx context.Context) (*usecase.EnrollmentSummary, error)
}

// Options tunes request handling.
type Options struct {
	MaxRequestBytes int64
}

type handler struct {
	svc      BiometricService
	tokens   *auth.TokenManager
	logger   *zap.Logger
	maxBytes int64
}

// captureRequest is the body the capture page posts to both endpoints.
type captureRequest struct {
	ImageData string `json:"image_data"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc BiometricService, tokens *auth.TokenManager, logger *zap.Logger, opts Options) {
	h := &handler{svc: svc, tokens: tokens, logger: logger.Named("http"), maxBytes: opts.MaxRequestBytes}
	if h.maxBytes <= 0 {
		h.maxBytes = DefaultMaxRequestBytes
	}

	router.Use(requestIDMiddleware(), accessLogMiddleware(h.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Any("/register", h.enroll)
	api.Any("/authenticate", h.authenticate)

	protected := api.Group("", tokens.Middleware())
	protected.GET("/me", h.profile)
	protected.GET("/stats", h.stats)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// accessLogMiddleware writes one entry per request once the handler has finished.
func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", logging.RequestIDFromContext(c.Request.Context())),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("request handled", fields...)
	}
}

// readCapture decodes the JSON body. The returned message is user facing.
func (h *handler) readCapture(c *gin.Context) (*captureRequest, string) {
	if c.Request.Method != http.MethodPost {
		return nil, "Only POST requests are allowed on this endpoint."
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	var req captureRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit)
		}
		return nil, "Could not decode JSON input: " + err.Error()
	}
	return &req, ""
}

func (h *handler) profile(c *gin.Context) {
	subject, _ := auth.GetSubject(c.Request.Context())
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid subject"})
		return
	}

	user, err := h.svc.GetProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, usecase.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logFailure(c, "http.profile", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"last_login": user.LastLogin,
	})
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.svc.GetEnrollmentSummary(c.Request.Context())
	if err != nil {
		h.logFailure(c, "http.stats", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) logFailure(c *gin.Context, operation string, err error) {
	logging.WithOperation(h.logger, operation, logging.RequestIDFromContext(c.Request.Context())).
		Error("request failed", zap.Error(err), zap.String("failed_operation", logging.OperationOf(err)))
}
