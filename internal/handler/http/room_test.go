package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingo-social/internal/domain"
	gormpersistence "lingo-social/internal/infra/persistence/gorm"
	"lingo-social/internal/infra/setup"
	"lingo-social/internal/middleware"
	"lingo-social/internal/service"
)

type voiceRoomAPI struct {
	router *gin.Engine
	users  *gormpersistence.GormUserRepository
}

func newVoiceRoomAPI(t *testing.T) *voiceRoomAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := setup.InitDB(setup.DBConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, setup.MigrateDB(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	userRepo := gormpersistence.NewGormUserRepository(db)
	social := service.NewSocialService(gormpersistence.NewGormSocialRepository(db), userRepo)
	voice := service.NewVoiceService(gormpersistence.NewGormVoiceRoomRepository(db), userRepo, social, nil, nil, nil)
	h := NewVoiceRoomHandler(voice)

	r := gin.New()
	// 测试中用请求头代替 JWT
	api := r.Group("/api", func(c *gin.Context) {
		if id, err := strconv.ParseUint(c.GetHeader("X-User-ID"), 10, 32); err == nil {
			c.Set(middleware.UserIDKey, uint(id))
		}
		c.Next()
	})
	api.POST("/voice-rooms", h.Create)
	api.GET("/voice-rooms/:id", h.Get)
	api.DELETE("/voice-rooms/:id", h.Close)
	api.POST("/voice-rooms/:id/join", h.Join)
	api.POST("/voice-rooms/:id/request-stage", h.RequestStage)
	api.GET("/voice-rooms/:id/stage-requests", h.StageRequests)
	api.POST("/voice-rooms/:id/grant-stage", h.GrantStage)

	return &voiceRoomAPI{router: r, users: userRepo}
}

func (a *voiceRoomAPI) createUser(t *testing.T, name string) uint {
	t.Helper()
	u := &domain.User{Username: name, Password: "x"}
	require.NoError(t, a.users.Save(context.Background(), u))
	return u.ID
}

func (a *voiceRoomAPI) do(method, path string, userID uint, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-User-ID", strconv.FormatUint(uint64(userID), 10))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestVoiceRoomHandler_StageFlow(t *testing.T) {
	api := newVoiceRoomAPI(t)
	host := api.createUser(t, "host")
	alice := api.createUser(t, "alice")
	bob := api.createUser(t, "bob")

	w := api.do(http.MethodPost, "/api/voice-rooms", host, `{"title":"Travel stories","max_speakers":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Room struct {
			ID uint `json:"id"`
		} `json:"room"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := fmt.Sprintf("/api/voice-rooms/%d", created.Room.ID)

	assert.Equal(t, http.StatusOK, api.do(http.MethodPost, base+"/join", alice, "").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodPost, base+"/join", bob, "").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodPost, base+"/request-stage", alice, "").Code)

	w = api.do(http.MethodGet, base+"/stage-requests", alice, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"forbidden"`)

	w = api.do(http.MethodGet, base+"/stage-requests", host, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "requests")

	w = api.do(http.MethodPost, base+"/grant-stage", host, fmt.Sprintf(`{"user_id":%d}`, alice))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(http.MethodPost, base+"/grant-stage", host, fmt.Sprintf(`{"user_id":%d}`, bob))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"stage_full"`)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, base+"/grant-stage", host, `{}`).Code)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodDelete, base, alice, "").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodDelete, base, host, "").Code)
	assert.NotEqual(t, http.StatusOK, api.do(http.MethodPost, base+"/join", bob, "").Code)
}

func TestVoiceRoomHandler_RequestValidation(t *testing.T) {
	api := newVoiceRoomAPI(t)
	host := api.createUser(t, "host")

	w := api.do(http.MethodPost, "/api/voice-rooms", 0, `{"title":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"unauthenticated"`)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/voice-rooms", host, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/voice-rooms", host, `{"title":"ok","max_speakers":9}`).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/voice-rooms/abc", host, "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/voice-rooms/999", host, "").Code)
}
