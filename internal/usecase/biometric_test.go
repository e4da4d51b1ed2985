package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Rimos-Dev/biometric-prototype/internal/artifact"
	"github.com/Rimos-Dev/biometric-prototype/internal/repository"
)

var testImage = base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))

type stubRepository struct {
	mu           sync.Mutex
	users        map[string]*repository.User
	templates    map[int64][]byte
	nextID       int64
	findErr      error
	createErr    error
	replaceErr   error
	touchErr     error
	templateGets int
	touchCalls   int
	// afterCreate runs once a user row has been created.
	afterCreate func()
}

func newStubRepository() *stubRepository {
	return &stubRepository{users: map[string]*repository.User{}, templates: map[int64][]byte{}}
}

func (s *stubRepository) addUser(username string, template []byte) *repository.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	user := &repository.User{ID: s.nextID, Username: username, Email: username + "@example.com"}
	s.users[username] = user
	if template != nil {
		s.templates[user.ID] = template
	}
	return user
}

func (s *stubRepository) FindUserByUsername(ctx context.Context, username string) (*repository.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.users[username], nil
}

func (s *stubRepository) FindUserByID(ctx context.Context, userID int64) (*repository.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, nil
}

func (s *stubRepository) CreateUser(ctx context.Context, username, email string) (int64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return 0, repository.ErrDuplicateUser
	}
	s.nextID++
	s.users[username] = &repository.User{ID: s.nextID, Username: username, Email: email}
	if s.afterCreate != nil {
		s.afterCreate()
	}
	return s.nextID, nil
}

func (s *stubRepository) ReplaceTemplate(ctx context.Context, userID int64, data []byte) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[userID] = data
	return nil
}

func (s *stubRepository) GetActiveTemplate(ctx context.Context, userID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templateGets++
	return s.templates[userID], nil
}

func (s *stubRepository) TouchLastLogin(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchCalls++
	if s.touchErr != nil {
		return s.touchErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	for _, u := range s.users {
		if u.ID == userID {
			u.LastLogin = &now
		}
	}
	return nil
}

func (s *stubRepository) CountUsers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *stubRepository) CountTemplates(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.templates)), nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
	delKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Del(ctx context.Context, keys ...string) error {
	s.delKeys = append(s.delKeys, keys...)
	return nil
}

// stubEngine records what it was handed and whether the artifacts existed at call time.
type stubEngine struct {
	output string
	err    error
	// onInvoke runs before the engine answers.
	onInvoke func()

	calls            int
	imagePath        string
	subjectID        string
	referencePath    string
	imageExisted     bool
	referenceContent []byte
}

func (s *stubEngine) Invoke(ctx context.Context, imagePath, subjectID, referencePath string) (string, error) {
	s.calls++
	s.imagePath = imagePath
	s.subjectID = subjectID
	s.referencePath = referencePath
	if _, err := os.Stat(imagePath); err == nil {
		s.imageExisted = true
	}
	if referencePath != "" {
		s.referenceContent, _ = os.ReadFile(referencePath)
	}
	if s.onInvoke != nil {
		s.onInvoke()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	return s.output, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(t *testing.T, repo BiometricRepository, client *stubEngine, cache Cache) (*BiometricUseCase, string) {
	t.Helper()
	dir := t.TempDir()
	uc := NewBiometricUseCase(repo, artifact.NewStore(dir, zap.NewNop()), client, cache, time.Minute, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc, dir
}

func assertNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed to read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected no artifacts left behind, found %v", names)
	}
}

func TestDecodeImage(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xfe, 0x01}
	encoded := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"plain":          encoded,
		"spaces for +":   strings.ReplaceAll(encoded, "+", " "),
		"data url":       "data:image/png;base64," + encoded,
		"trailing newline": encoded + "\r\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := decodeImage(input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != string(raw) {
				t.Fatalf("unexpected bytes: %v", got)
			}
		})
	}

	// A leading '+' arrives as a space after form encoding.
	edge := []byte{0xfb, 0xff, 0xfe, 0x01}
	if enc := base64.StdEncoding.EncodeToString(edge); enc != "+//+AQ==" {
		t.Fatalf("unexpected fixture encoding: %s", enc)
	}
	got, err := decodeImage(" // AQ==")
	if err != nil {
		t.Fatalf("expected leading space to decode as '+', got %v", err)
	}
	if string(got) != string(edge) {
		t.Fatalf("unexpected bytes: %v", got)
	}

	if _, err := decodeImage("%%%"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	var validationErr *ValidationError
	if _, err := decodeImage("===="); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCachedTemplateRetriesTransientErrors(t *testing.T) {
	cache := &stubCache{getErrs: []error{transientRedisError{}, nil}, getValues: []string{"", "[0.5]"}}
	uc, _ := newTestUseCase(t, newStubRepository(), &stubEngine{}, cache)

	got := uc.cachedTemplate(context.Background(), "req", 7)
	if string(got) != "[0.5]" {
		t.Fatalf("expected cached template, got %q", got)
	}
	if len(cache.getKeys) != 2 || cache.getKeys[0] != cache.getKeys[1] {
		t.Fatalf("expected retry against the same key, got %v", cache.getKeys)
	}
}

func TestCachedTemplateMissIsSilent(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc, _ := newTestUseCase(t, newStubRepository(), &stubEngine{}, cache)

	if got := uc.cachedTemplate(context.Background(), "req", 7); got != nil {
		t.Fatalf("expected miss, got %q", got)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("expected a single lookup on miss, got %d", len(cache.getKeys))
	}
}

func TestGetEnrollmentSummary(t *testing.T) {
	repo := newStubRepository()
	repo.addUser("alice", []byte("[1]"))
	repo.addUser("bob", nil)
	uc, _ := newTestUseCase(t, repo, &stubEngine{}, nil)

	summary, err := uc.GetEnrollmentSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalUsers != 2 || summary.EnrolledUsers != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.EnrollmentRate != 0.5 {
		t.Fatalf("unexpected rate: %v", summary.EnrollmentRate)
	}
}

func TestGetProfile(t *testing.T) {
	repo := newStubRepository()
	user := repo.addUser("alice", nil)
	uc, _ := newTestUseCase(t, repo, &stubEngine{}, nil)

	got, err := uc.GetProfile(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("unexpected user: %+v", got)
	}

	if _, err := uc.GetProfile(context.Background(), 404); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o600)
}
