package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
	"github.com/Rimos-Dev/biometric-prototype/internal/usecase"
)

// Domain outcomes are always answered with 200; callers read success/status from the body.

type enrollResponse struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	UserID        any             `json:"user_id"`
	PythonStatus  string          `json:"python_status"`
	PythonMessage string          `json:"python_message"`
	BiometricData json.RawMessage `json:"biometric_data"`
}

type authenticateResponse struct {
	Status          string     `json:"status"`
	Message         string     `json:"message"`
	UserID          string     `json:"user_id"`
	AuthStatus      string     `json:"auth_status"`
	SimilarityScore float64    `json:"similarity_score"`
	Token           string     `json:"token,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

func (h *handler) enroll(c *gin.Context) {
	resp := enrollResponse{PythonStatus: "not_executed"}

	req, problem := h.readCapture(c)
	if req == nil {
		resp.Message = "Error: " + problem
		c.JSON(http.StatusOK, resp)
		return
	}
	if req.UserID != "" {
		resp.UserID = req.UserID
	}

	result, err := h.svc.Enroll(c.Request.Context(), usecase.EnrollRequest{
		Username:  req.UserID,
		Email:     req.Email,
		ImageData: req.ImageData,
	})
	if result != nil && result.Engine != nil {
		resp.PythonStatus = result.Engine.Status
		resp.PythonMessage = result.Engine.Message
		resp.BiometricData = result.Engine.Vector
	}
	if err != nil {
		resp.Message = "Error: " + h.describe(c, "http.enroll", req.UserID, err)
		var malformed *engine.MalformedOutputError
		if errors.As(err, &malformed) {
			resp.PythonStatus = "error_parsing_python_output"
			resp.PythonMessage = resp.Message
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	resp.Success = true
	resp.UserID = result.UserID
	resp.Message = fmt.Sprintf("User '%s' registered with ID %d. Biometric template saved.", result.Username, result.UserID)
	c.JSON(http.StatusOK, resp)
}

func (h *handler) authenticate(c *gin.Context) {
	req, problem := h.readCapture(c)
	if req == nil {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": problem})
		return
	}

	result, err := h.svc.Authenticate(c.Request.Context(), usecase.AuthenticateRequest{
		Username:  req.UserID,
		ImageData: req.ImageData,
	})
	if err != nil {
		var engineErr *usecase.EngineFailureError
		if errors.As(err, &engineErr) && engineErr.Result != nil && len(engineErr.Result.Payload) > 0 {
			c.JSON(http.StatusOK, engineErr.Result.Payload)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": h.describe(c, "http.authenticate", req.UserID, err)})
		return
	}

	resp := authenticateResponse{
		Status:          "success",
		UserID:          result.Username,
		SimilarityScore: result.SimilarityScore,
	}
	switch {
	case !result.Authenticated:
		resp.AuthStatus = "failed"
		resp.Message = fmt.Sprintf("Authentication failed. Similarity: %.4f", result.SimilarityScore)
	case !result.LastLoginRecorded:
		resp.AuthStatus = "authenticated"
		resp.Message = fmt.Sprintf("Authentication successful, but the login record could not be updated. Similarity: %.4f", result.SimilarityScore)
	default:
		resp.AuthStatus = "authenticated"
		resp.Message = fmt.Sprintf("Authentication successful. Similarity: %.4f", result.SimilarityScore)
	}

	if result.Authenticated && h.tokens.Enabled() {
		token, expires, err := h.tokens.Issue(strconv.FormatInt(result.UserID, 10))
		if err != nil {
			h.logger.Warn("failed to issue session token", zap.Error(err), zap.Int64("user_id", result.UserID))
		} else {
			resp.Token = token
			resp.ExpiresAt = &expires
		}
	}
	c.JSON(http.StatusOK, resp)
}

// describe turns an orchestration error into the message returned to the caller.
func (h *handler) describe(c *gin.Context, operation, username string, err error) string {
	var (
		validationErr *usecase.ValidationError
		engineErr     *usecase.EngineFailureError
		ioErr         *artifact.IOError
		timeoutErr    *engine.ProcessTimeoutError
		emptyErr      *engine.EmptyOutputError
		processErr    *engine.ProcessError
		malformed     *engine.MalformedOutputError
	)

	switch {
	case errors.As(err, &validationErr):
		return fmt.Sprintf("The request is missing or has an invalid %s (%s).", validationErr.Field, validationErr.Reason)
	case errors.Is(err, usecase.ErrDuplicateUser):
		return fmt.Sprintf("User '%s' already exists.", username)
	case errors.Is(err, usecase.ErrUserNotFound):
		return fmt.Sprintf("User '%s' not found.", username)
	case errors.Is(err, usecase.ErrNoTemplate):
		return fmt.Sprintf("User '%s' exists but has no biometric data enrolled.", username)
	case errors.As(err, &engineErr):
		if engineErr.Result == nil {
			return "The recognition engine reported a failure."
		}
		return "Recognition engine: " + engineErr.Result.Message
	}

	// Everything below is an infrastructure fault and gets logged.
	h.logFailure(c, operation, err)
	switch {
	case errors.As(err, &ioErr):
		return "Could not store temporary files for processing: " + ioErr.Error()
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("The recognition engine did not finish within %s.", timeoutErr.Timeout) + stderrSuffix(timeoutErr.Stderr)
	case errors.As(err, &emptyErr):
		return fmt.Sprintf("The recognition engine returned no output (exit code %d).", emptyErr.ExitCode) + stderrSuffix(emptyErr.Stderr)
	case errors.As(err, &processErr):
		return "The recognition engine could not be executed: " + processErr.Err.Error() + stderrSuffix(processErr.Stderr)
	case errors.As(err, &malformed):
		return fmt.Sprintf("Could not interpret the recognition engine output (%s). Raw output: %s | Extracted JSON: %s",
			malformed.Reason, malformed.Raw, malformed.Candidate)
	case errors.Is(err, repository.ErrPersistence):
		return "A storage error prevented the request from completing."
	default:
		return "An unexpected error occurred."
	}
}

const maxStderrInMessage = 512

// stderrSuffix formats the tail of the engine's stderr for a response message.
func stderrSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > maxStderrInMessage {
		stderr = "..." + stderr[len(stderr)-maxStderrInMessage:]
	}
	return " Stderr: " + stderr
}
