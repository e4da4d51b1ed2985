package usecase

import (
	"context"

	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
)

// EnrollmentSummary represents aggregated enrollment insights.
type EnrollmentSummary struct {
	TotalUsers     int64   `json:"total_users"`
	EnrolledUsers  int64   `json:"enrolled_users"`
	EnrollmentRate float64 `json:"enrollment_rate"`
}

// GetEnrollmentSummary counts users and how many of them hold a template.
func (uc *BiometricUseCase) GetEnrollmentSummary(ctx context.Context) (*EnrollmentSummary, error) {
	users, err := uc.repo.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	templates, err := uc.repo.CountTemplates(ctx)
	if err != nil {
		return nil, err
	}

	summary := &EnrollmentSummary{
		TotalUsers:    users,
		EnrolledUsers: templates,
	}
	if users > 0 {
		summary.EnrollmentRate = float64(templates) / float64(users)
	}
	return summary, nil
}

// GetProfile loads the user behind an authenticated session.
func (uc *BiometricUseCase) GetProfile(ctx context.Context, userID int64) (*repository.User, error) {
	user, err := uc.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
