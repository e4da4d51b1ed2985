package usecase

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/engine"
)

const enrollOutput = "loading model...\n{\"status\":\"success\",\"message\":\"ok\",\"vector\":[0.1,0.2,0.3]}\n"

func TestEnrollCreatesUserAndTemplate(t *testing.T) {
	repo := newStubRepository()
	client := &stubEngine{output: enrollOutput}
	cache := &stubCache{}
	uc, dir := newTestUseCase(t, repo, client, cache)

	result, err := uc.Enroll(context.Background(), EnrollRequest{Username: "alice", ImageData: testImage})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.UserID == 0 {
		t.Fatal("expected generated user id")
	}
	if result.Email != "alice@example.com" {
		t.Fatalf("expected default email, got %s", result.Email)
	}
	if len(repo.users) != 1 || len(repo.templates) != 1 {
		t.Fatalf("expected one user and one template, got %d and %d", len(repo.users), len(repo.templates))
	}
	if string(repo.templates[result.UserID]) != "[0.1,0.2,0.3]" {
		t.Fatalf("unexpected template: %s", repo.templates[result.UserID])
	}
	if client.subjectID != "alice" || client.referencePath != "" {
		t.Fatalf("unexpected engine arguments: subject=%q reference=%q", client.subjectID, client.referencePath)
	}
	if !client.imageExisted {
		t.Fatal("expected image artifact to exist while the engine ran")
	}
	if len(cache.delKeys) != 1 || cache.delKeys[0] != templateCacheKey(result.UserID) {
		t.Fatalf("expected cached template to be evicted, got %v", cache.delKeys)
	}
	assertNoArtifacts(t, dir)
}

func TestEnrollDuplicateUserKeepsExistingTemplate(t *testing.T) {
	repo := newStubRepository()
	existing := repo.addUser("bob", []byte("[9]"))
	client := &stubEngine{output: enrollOutput}
	uc, dir := newTestUseCase(t, repo, client, nil)

	result, err := uc.Enroll(context.Background(), EnrollRequest{Username: "bob", ImageData: testImage})
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
	if result == nil || result.Engine == nil || !result.Engine.Succeeded() {
		t.Fatal("expected engine result to be reported alongside the error")
	}
	if string(repo.templates[existing.ID]) != "[9]" {
		t.Fatalf("existing template changed: %s", repo.templates[existing.ID])
	}
	assertNoArtifacts(t, dir)
}

func TestEnrollRaceOnCreateIsDuplicate(t *testing.T) {
	repo := newStubRepository()
	repo.createErr = ErrDuplicateUser
	uc, _ := newTestUseCase(t, repo, &stubEngine{output: enrollOutput}, nil)

	_, err := uc.Enroll(context.Background(), EnrollRequest{Username: "carol", ImageData: testImage})
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
}

func TestEnrollEngineFailureIsSurfaced(t *testing.T) {
	repo := newStubRepository()
	client := &stubEngine{output: `{"status":"error","message":"no face detected"}`}
	uc, dir := newTestUseCase(t, repo, client, nil)

	result, err := uc.Enroll(context.Background(), EnrollRequest{Username: "dave", ImageData: testImage})
	var engineErr *EngineFailureError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineFailureError, got %v", err)
	}
	if engineErr.Result.Message != "no face detected" {
		t.Fatalf("unexpected engine message: %s", engineErr.Result.Message)
	}
	if result == nil || result.Engine.Status != engine.StatusError {
		t.Fatal("expected engine result on failure")
	}
	if len(repo.users) != 0 {
		t.Fatal("expected no user to be created")
	}
	assertNoArtifacts(t, dir)
}

func TestEnrollMalformedOutput(t *testing.T) {
	repo := newStubRepository()
	client := &stubEngine{output: "Traceback (most recent call last): boom"}
	uc, dir := newTestUseCase(t, repo, client, nil)

	_, err := uc.Enroll(context.Background(), EnrollRequest{Username: "erin", ImageData: testImage})
	var malformed *engine.MalformedOutputError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedOutputError, got %v", err)
	}
	if malformed.Raw != client.output {
		t.Fatalf("expected raw output to be preserved, got %q", malformed.Raw)
	}
	if len(repo.users) != 0 {
		t.Fatal("expected no user to be created")
	}
	assertNoArtifacts(t, dir)
}

func TestEnrollTemplateFailureIsReported(t *testing.T) {
	repo := newStubRepository()
	repo.replaceErr = errors.New("disk full")
	uc, dir := newTestUseCase(t, repo, &stubEngine{output: enrollOutput}, nil)

	_, err := uc.Enroll(context.Background(), EnrollRequest{Username: "frank", ImageData: testImage})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected repository error, got %v", err)
	}
	assertNoArtifacts(t, dir)
}

func TestEnrollValidation(t *testing.T) {
	cases := map[string]EnrollRequest{
		"missing username": {ImageData: testImage},
		"blank username":   {Username: "  ", ImageData: testImage},
		"missing image":    {Username: "grace"},
		"invalid base64":   {Username: "grace", ImageData: "not*base64"},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			client := &stubEngine{output: enrollOutput}
			uc, dir := newTestUseCase(t, newStubRepository(), client, nil)

			_, err := uc.Enroll(context.Background(), req)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if client.calls != 0 {
				t.Fatal("engine must not run on invalid input")
			}
			assertNoArtifacts(t, dir)
		})
	}
}

func TestEnrollArtifactFailure(t *testing.T) {
	blocked := t.TempDir() + "/file"
	if err := writeFile(blocked); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	client := &stubEngine{output: enrollOutput}
	uc := NewBiometricUseCase(newStubRepository(), artifact.NewStore(blocked+"/scratch", zap.NewNop()), client, nil, 0, zap.NewNop())

	_, err := uc.Enroll(context.Background(), EnrollRequest{Username: "heidi", ImageData: testImage})
	var ioErr *artifact.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if client.calls != 0 {
		t.Fatal("engine must not run without an artifact")
	}
}

func TestEnrollCompletesAfterCallerCancels(t *testing.T) {
	repo := newStubRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo.afterCreate = cancel
	uc, dir := newTestUseCase(t, repo, &stubEngine{output: enrollOutput}, nil)

	result, err := uc.Enroll(ctx, EnrollRequest{Username: "ivan", ImageData: testImage})
	if err != nil {
		t.Fatalf("expected enrollment to finish after cancellation, got %v", err)
	}
	if len(repo.users) != 1 || len(repo.templates) != 1 {
		t.Fatalf("expected one user and one template, got %d and %d", len(repo.users), len(repo.templates))
	}
	if string(repo.templates[result.UserID]) != "[0.1,0.2,0.3]" {
		t.Fatalf("unexpected template: %s", repo.templates[result.UserID])
	}
	assertNoArtifacts(t, dir)
}
