package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/madankalyan2211/aarambh-lms/internal/auth"
	"github.com/madankalyan2211/aarambh-lms/internal/courses"
	"github.com/madankalyan2211/aarambh-lms/internal/notify"
	"github.com/madankalyan2211/aarambh-lms/internal/otp"
	"github.com/madankalyan2211/aarambh-lms/internal/presence"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
	"github.com/madankalyan2211/aarambh-lms/internal/users"
)

// capturingSender stores issued verification codes so tests can complete the
// login flow without a mail transport.
type capturingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *capturingSender) SendVerificationCode(_ context.Context, email, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[strings.ToLower(strings.TrimSpace(email))] = code
	return nil
}

func (s *capturingSender) codeFor(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[strings.ToLower(strings.TrimSpace(email))]
}

type testEnvironment struct {
	server        *httptest.Server
	tokens        *auth.TokenIssuer
	mailbox       *capturingSender
	database      *gorm.DB
	hub           *realtime.Hub
	registry      *presence.Registry
	notifications *notify.Service
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(
		&users.User{},
		&courses.Course{}, &courses.Enrollment{}, &courses.Assignment{}, &courses.Submission{},
		&notify.Notification{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	hub := realtime.NewHub()
	registry := presence.NewRegistry()
	identifiers := notify.NewUUIDProvider()

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: identifiers})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	notifyService, err := notify.NewService(notify.ServiceConfig{
		Database:    db,
		Presence:    registry,
		Broadcaster: hub,
		IDProvider:  identifiers,
	})
	if err != nil {
		t.Fatalf("failed to construct notification service: %v", err)
	}
	courseService, err := courses.NewService(courses.ServiceConfig{
		Database:   db,
		IDProvider: identifiers,
		Notifier:   notifyService,
	})
	if err != nil {
		t.Fatalf("failed to construct course service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "aarambh-auth",
		Audience:      "aarambh-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	mailbox := &capturingSender{}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:  tokenIssuer,
		Codes:         otp.NewStore(otp.StoreConfig{}),
		Users:         userService,
		Notifications: notifyService,
		Courses:       courseService,
		Hub:           hub,
		Presence:      registry,
		Mailer:        mailbox,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{
		server:        server,
		tokens:        tokenIssuer,
		mailbox:       mailbox,
		database:      db,
		hub:           hub,
		registry:      registry,
		notifications: notifyService,
	}
}

// login runs the full request-code/verify-code flow and returns the session
// token with the resolved user identifier.
func (env *testEnvironment) login(t *testing.T, email string) (string, string) {
	t.Helper()
	status, _ := env.postJSON(t, "", "/auth/request-code", map[string]any{"email": email})
	if status != http.StatusOK {
		t.Fatalf("request-code returned status %d", status)
	}
	code := env.mailbox.codeFor(email)
	if code == "" {
		t.Fatalf("no verification code captured for %s", email)
	}
	status, body := env.postJSON(t, "", "/auth/verify-code", map[string]any{"email": email, "code": code})
	if status != http.StatusOK {
		t.Fatalf("verify-code returned status %d: %s", status, body)
	}
	var session verifyCodeResponse
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if session.AccessToken == "" || session.UserID == "" {
		t.Fatalf("incomplete session response: %s", body)
	}
	return session.AccessToken, session.UserID
}

func (env *testEnvironment) postJSON(t *testing.T, token, path string, payload any) (int, []byte) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return env.do(t, request)
}

func (env *testEnvironment) getJSON(t *testing.T, token, path string) (int, []byte) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, env.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return env.do(t, request)
}

func (env *testEnvironment) do(t *testing.T, request *http.Request) (int, []byte) {
	t.Helper()
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return response.StatusCode, buffer.Bytes()
}
