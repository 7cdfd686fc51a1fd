package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedverse/session-api/internal/middleware"
	"github.com/fedverse/session-api/internal/models"
	appErrors "github.com/fedverse/session-api/pkg/errors"
	"github.com/fedverse/session-api/pkg/response"
)

type sessionServiceMock struct {
	createResp   *models.SessionResponse
	createErr    error
	rotateResp   *models.SessionResponse
	rotateErr    error
	getResp      *models.AccountInfo
	getErr       error
	deleteErr    error
	lastRotateID string
	lastDeleteID string
	lastRequest  models.CreateSessionRequest
}

func (m *sessionServiceMock) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionResponse, error) {
	m.lastRequest = req
	return m.createResp, m.createErr
}

func (m *sessionServiceMock) RotateRefreshToken(ctx context.Context, id, ip, userAgent string) (*models.SessionResponse, error) {
	m.lastRotateID = id
	return m.rotateResp, m.rotateErr
}

func (m *sessionServiceMock) GetSession(ctx context.Context, subject string) (*models.AccountInfo, error) {
	return m.getResp, m.getErr
}

func (m *sessionServiceMock) DeleteSession(ctx context.Context, id, ip, userAgent string) error {
	m.lastDeleteID = id
	return m.deleteErr
}

func TestSessionHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{
		createResp: &models.SessionResponse{AccessToken: "access", RefreshToken: "refresh", Subject: "did:example:alice"},
	}
	h := NewSessionHandler(mockSvc)

	payload, _ := json.Marshal(models.CreateSessionRequest{Identifier: "alice", Password: "hunter2"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(payload))
	c.Request.Header.Set("User-Agent", "test-agent")

	h.Create(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", mockSvc.lastRequest.Identifier)
	assert.Equal(t, "test-agent", mockSvc.lastRequest.UserAgent)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Nil(t, env.Error)
}

func TestSessionHandlerCreateInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSessionHandler(&sessionServiceMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader([]byte("{")))

	h.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandlerCreateInvalidCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{createErr: appErrors.ErrInvalidCredentials}
	h := NewSessionHandler(mockSvc)

	payload, _ := json.Marshal(models.CreateSessionRequest{Identifier: "alice", Password: "wrong"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader(payload))

	h.Create(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionHandlerRefresh(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{
		rotateResp: &models.SessionResponse{AccessToken: "access-2", RefreshToken: "refresh-2"},
	}
	h := NewSessionHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session/refresh", nil)
	c.Set(middleware.ContextRefreshIDKey, "tok-1")

	h.Refresh(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok-1", mockSvc.lastRotateID)
}

func TestSessionHandlerRefreshWithoutGuard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewSessionHandler(&sessionServiceMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session/refresh", nil)

	h.Refresh(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionHandlerRefreshExpired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{rotateErr: appErrors.ErrExpiredToken}
	h := NewSessionHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/session/refresh", nil)
	c.Set(middleware.ContextRefreshIDKey, "tok-1")

	h.Refresh(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, appErrors.ErrExpiredToken.Code, env.Error.Code)
}

func TestSessionHandlerGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{
		getResp: &models.AccountInfo{Subject: "did:example:alice", Handle: "alice", Active: true},
	}
	h := NewSessionHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/session", nil)
	c.Set(middleware.ContextUserKey, &models.SessionClaims{Scope: models.ScopeAccess})

	h.Get(c)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &sessionServiceMock{}
	h := NewSessionHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/session", nil)
	c.Set(middleware.ContextRefreshIDKey, "tok-1")

	h.Delete(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "tok-1", mockSvc.lastDeleteID)
}
