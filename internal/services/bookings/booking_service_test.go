package bookings

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/middleware"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

type fakeBookings struct {
	mu       sync.Mutex
	owners   map[uuid.UUID]uuid.UUID // car -> owner
	bookings map[uuid.UUID]models.Booking
}

func (f *fakeBookings) CreateBooking(_ context.Context, b models.Booking) (models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[b.CarID]
	if !ok {
		return models.Booking{}, db.ErrNotFound
	}
	if owner == b.UserID {
		return models.Booking{}, db.ErrForbidden
	}
	b.ID = uuid.New()
	b.Status = models.BookingPending
	b.Car = &models.Car{ID: b.CarID, OwnerID: owner}
	f.bookings[b.ID] = b
	return b, nil
}

func (f *fakeBookings) GetBooking(_ context.Context, id uuid.UUID) (models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return models.Booking{}, db.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) ListByUser(context.Context, uuid.UUID, int, int) ([]models.Booking, int, error) {
	return nil, 0, nil
}

func (f *fakeBookings) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bookings[id]
	b.Status = status
	f.bookings[id] = b
	return nil
}

type countingPublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *countingPublisher) Publish(_ context.Context, channel string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func setup() (*fiber.App, *fakeBookings, *countingPublisher, *utils.JWTService) {
	repo := &fakeBookings{owners: map[uuid.UUID]uuid.UUID{}, bookings: map[uuid.UUID]models.Booking{}}
	pub := &countingPublisher{}
	jwtService := utils.NewJWTService("secret")
	app := fiber.New()
	NewBookingService(repo, pub, zap.NewNop()).SetupRoutes(app, middleware.AuthMiddleware(jwtService))
	return app, repo, pub, jwtService
}

func request(t *testing.T, app *fiber.App, jwtService *utils.JWTService, method, path, body string, userID uuid.UUID, role string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	token, err := jwtService.GenerateToken(userID.String(), role)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestCreateBooking(t *testing.T) {
	app, repo, pub, jwtService := setup()
	owner, buyer, carID := uuid.New(), uuid.New(), uuid.New()
	repo.owners[carID] = owner

	body := `{"car_id":"` + carID.String() + `","kind":"test_drive"}`
	assert.Equal(t, fiber.StatusCreated, request(t, app, jwtService, http.MethodPost, "/api/bookings", body, buyer, models.RoleUser))
	assert.Equal(t, []string{realtime.ChannelBookings}, pub.channels)

	// На свой автомобиль нельзя
	assert.Equal(t, fiber.StatusBadRequest, request(t, app, jwtService, http.MethodPost, "/api/bookings", body, owner, models.RoleUser))

	unknown := `{"car_id":"` + uuid.NewString() + `","kind":"purchase"}`
	assert.Equal(t, fiber.StatusNotFound, request(t, app, jwtService, http.MethodPost, "/api/bookings", unknown, buyer, models.RoleUser))
}

func TestCreateRentalRequiresPeriod(t *testing.T) {
	app, repo, _, jwtService := setup()
	carID := uuid.New()
	repo.owners[carID] = uuid.New()

	body := `{"car_id":"` + carID.String() + `","kind":"rental","start_date":"2026-05-02T00:00:00Z","end_date":"2026-05-01T00:00:00Z"}`
	assert.Equal(t, fiber.StatusBadRequest, request(t, app, jwtService, http.MethodPost, "/api/bookings", body, uuid.New(), models.RoleUser))
}

func TestCanChangeStatus(t *testing.T) {
	owner, booker, stranger := uuid.New(), uuid.New(), uuid.New()
	b := models.Booking{UserID: booker, Status: models.BookingPending, Car: &models.Car{OwnerID: owner}}

	assert.True(t, canChangeStatus(b, owner, false, models.BookingConfirmed))
	assert.True(t, canChangeStatus(b, stranger, true, models.BookingConfirmed))
	assert.True(t, canChangeStatus(b, booker, false, models.BookingCancelled))
	assert.False(t, canChangeStatus(b, booker, false, models.BookingConfirmed))
	assert.False(t, canChangeStatus(b, stranger, false, models.BookingCancelled))

	b.Status = models.BookingCancelled
	assert.False(t, canChangeStatus(b, owner, false, models.BookingConfirmed))
}

func TestUpdateBookingStatus(t *testing.T) {
	app, repo, pub, jwtService := setup()
	owner, buyer, carID := uuid.New(), uuid.New(), uuid.New()
	repo.owners[carID] = owner
	b, err := repo.CreateBooking(context.Background(), models.Booking{CarID: carID, UserID: buyer, Kind: models.BookingPurchase, CreatedAt: time.Now()})
	require.NoError(t, err)
	path := "/api/bookings/" + b.ID.String() + "/status"

	assert.Equal(t, fiber.StatusForbidden, request(t, app, jwtService, http.MethodPatch, path, `{"status":"confirmed"}`, buyer, models.RoleUser))
	assert.Equal(t, fiber.StatusOK, request(t, app, jwtService, http.MethodPatch, path, `{"status":"confirmed"}`, owner, models.RoleUser))
	assert.Equal(t, models.BookingConfirmed, repo.bookings[b.ID].Status)
	assert.Equal(t, []string{realtime.ChannelBookings}, pub.channels)

	assert.Equal(t, fiber.StatusBadRequest, request(t, app, jwtService, http.MethodPatch, path, `{"status":"pending"}`, owner, models.RoleUser))
}
