package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/middleware"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

type fakeStats struct{}

func (fakeStats) Stats(context.Context) (models.StatsSnapshot, error) {
	return models.StatsSnapshot{TotalCars: 7, OnlineUsers: 2}, nil
}

func (fakeStats) Snapshot(_ context.Context, channel string) (any, error) {
	if channel == realtime.ChannelActivity {
		return nil, errors.New("boom")
	}
	return []string{channel}, nil
}

func setup(t *testing.T) (*fiber.App, *realtime.MemoryPresence, *utils.JWTService) {
	t.Helper()
	presence := realtime.NewMemoryPresence()
	jwtService := utils.NewJWTService("secret")
	app := fiber.New()
	NewAdminService(fakeStats{}, presence, zap.NewNop()).SetupRoutes(app, middleware.AuthMiddleware(jwtService))
	return app, presence, jwtService
}

func get(t *testing.T, app *fiber.App, jwtService *utils.JWTService, path, role string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	token, err := jwtService.GenerateToken(uuid.NewString(), role)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestStatsAdminOnly(t *testing.T) {
	app, _, jwtService := setup(t)

	status, _ := get(t, app, jwtService, "/api/admin/stats", models.RoleUser)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, raw := get(t, app, jwtService, "/api/admin/stats", models.RoleAdmin)
	require.Equal(t, fiber.StatusOK, status)
	var stats models.StatsSnapshot
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 7, stats.TotalCars)
	assert.Equal(t, 2, stats.OnlineUsers)
}

func TestSnapshotChannels(t *testing.T) {
	app, _, jwtService := setup(t)

	status, _ := get(t, app, jwtService, "/api/admin/snapshots/car_views", models.RoleAdmin)
	assert.Equal(t, fiber.StatusOK, status)

	// messages событийный канал, снимка у него нет
	status, _ = get(t, app, jwtService, "/api/admin/snapshots/messages", models.RoleAdmin)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = get(t, app, jwtService, "/api/admin/snapshots/activity", models.RoleAdmin)
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestPresence(t *testing.T) {
	app, presence, jwtService := setup(t)
	userID := uuid.NewString()
	require.NoError(t, presence.Online(context.Background(), userID))

	status, raw := get(t, app, jwtService, "/api/presence/"+userID, models.RoleUser)
	require.Equal(t, fiber.StatusOK, status)
	var body struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Online)

	status, raw = get(t, app, jwtService, "/api/presence/"+uuid.NewString(), models.RoleUser)
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.False(t, body.Online)

	status, _ = get(t, app, jwtService, "/api/presence/not-a-uuid", models.RoleUser)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
