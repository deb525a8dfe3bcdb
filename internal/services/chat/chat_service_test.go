package chat

import (
	"context"
	"encoding/json"
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

type fakeChats struct {
	history []models.Message
	unread  []string
	offset  int
}

func (f *fakeChats) ListConversations(context.Context, uuid.UUID) ([]models.Conversation, error) {
	return []models.Conversation{{UnreadCount: 2}, {UnreadCount: 3}}, nil
}

func (f *fakeChats) History(_ context.Context, _, _, _ uuid.UUID, limit, offset int) ([]models.Message, int, error) {
	f.offset = offset
	return f.history, len(f.history), nil
}

func (f *fakeChats) MarkConversationRead(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) ([]string, error) {
	marked := f.unread
	f.unread = nil
	return marked, nil
}

type fakeNotifier struct {
	userID string
	events []realtime.Event
}

func (n *fakeNotifier) SendToUser(userID string, ev realtime.Event) int {
	n.userID = userID
	n.events = append(n.events, ev)
	return 1
}

func setup() (*fiber.App, *fakeChats, *fakeNotifier, *utils.JWTService) {
	repo := &fakeChats{}
	notifier := &fakeNotifier{}
	jwtService := utils.NewJWTService("secret")
	app := fiber.New()
	NewChatService(repo, notifier, zap.NewNop()).SetupRoutes(app, middleware.AuthMiddleware(jwtService))
	return app, repo, notifier, jwtService
}

func call(t *testing.T, app *fiber.App, jwtService *utils.JWTService, method, path string, userID uuid.UUID) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	token, err := jwtService.GenerateToken(userID.String(), models.RoleUser)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestGetConversationsSumsUnread(t *testing.T) {
	app, _, _, jwtService := setup()

	status, raw := call(t, app, jwtService, http.MethodGet, "/api/conversations", uuid.New())
	require.Equal(t, fiber.StatusOK, status)

	var body struct {
		Count  int `json:"count"`
		Unread int `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, 5, body.Unread)
}

func TestGetMessagesPaginated(t *testing.T) {
	app, repo, _, jwtService := setup()
	repo.history = []models.Message{{ID: "1", Content: "hi"}, {ID: "2", Content: "hello"}}

	path := "/api/conversations/" + uuid.NewString() + "/" + uuid.NewString() + "/messages?page=3&limit=10"
	status, raw := call(t, app, jwtService, http.MethodGet, path, uuid.New())
	require.Equal(t, fiber.StatusOK, status)

	var page models.Page[models.Message]
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 20, repo.offset)
}

func TestGetMessagesRejectsSelfConversation(t *testing.T) {
	app, _, _, jwtService := setup()
	me := uuid.New()

	status, _ := call(t, app, jwtService, http.MethodGet, "/api/conversations/"+uuid.NewString()+"/"+me.String()+"/messages", me)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestMarkReadNotifiesOtherPartyOnce(t *testing.T) {
	app, repo, notifier, jwtService := setup()
	repo.unread = []string{"m1", "m2"}
	reader, other, carID := uuid.New(), uuid.New(), uuid.New()
	path := "/api/conversations/" + carID.String() + "/" + other.String() + "/read"

	status, _ := call(t, app, jwtService, http.MethodPost, path, reader)
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, other.String(), notifier.userID)
	assert.Equal(t, realtime.EventMessageSeen, notifier.events[0].Type)
	assert.Equal(t, []string{"m1", "m2"}, notifier.events[0].MessageIDs)

	// Повторная отметка ничего не меняет и никого не уведомляет
	status, _ = call(t, app, jwtService, http.MethodPost, path, reader)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, notifier.events, 1)
}
