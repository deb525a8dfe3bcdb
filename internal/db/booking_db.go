package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// BookingStore работа с заявками на покупку, аренду и тест-драйв
type BookingStore struct {
	pool *pgxpool.Pool
}

// NewBookingStore создаёт хранилище заявок
func NewBookingStore(pool *pgxpool.Pool) *BookingStore {
	return &BookingStore{pool: pool}
}

const bookingSelect = `
	SELECT b.id, b.car_id, b.user_id, b.kind, b.status, b.start_date, b.end_date, b.comment,
		b.created_at, b.updated_at, c.owner_id, c.make, c.model, c.year, c.price
	FROM bookings b
	JOIN cars c ON c.id = b.car_id`

// CreateBooking создаёт заявку. Заявку на собственный автомобиль создать нельзя.
func (s *BookingStore) CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	var ownerID uuid.UUID
	var status string
	err := s.pool.QueryRow(ctx, `SELECT owner_id, status FROM cars WHERE id = $1`, b.CarID).Scan(&ownerID, &status)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && status != models.CarStatusActive) {
		return models.Booking{}, ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("ошибка проверки автомобиля: %w", err)
	}
	if ownerID == b.UserID {
		return models.Booking{}, ErrForbidden
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO bookings (car_id, user_id, kind, status, start_date, end_date, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, b.CarID, b.UserID, b.Kind, models.BookingPending, b.StartDate, b.EndDate, b.Comment,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.Booking{}, fmt.Errorf("ошибка создания заявки: %w", err)
	}
	b.Status = models.BookingPending
	return b, nil
}

// GetBooking возвращает заявку с кратким описанием автомобиля
func (s *BookingStore) GetBooking(ctx context.Context, id uuid.UUID) (models.Booking, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	b, err := scanBooking(s.pool.QueryRow(ctx, bookingSelect+` WHERE b.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	return b, nil
}

// ListByUser возвращает заявки пользователя: созданные им и на его автомобили
func (s *BookingStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Booking, int, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings b JOIN cars c ON c.id = b.car_id
		WHERE b.user_id = $1 OR c.owner_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта заявок: %w", err)
	}

	rows, err := s.pool.Query(ctx, bookingSelect+`
		WHERE b.user_id = $1 OR c.owner_id = $1
		ORDER BY b.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения заявок: %w", err)
	}
	defer rows.Close()

	bookings := []models.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка чтения заявки: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, total, rows.Err()
}

// UpdateStatus меняет статус заявки
func (s *BookingStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBooking(row pgx.Row) (models.Booking, error) {
	var b models.Booking
	var comment pgtype.Text
	car := &models.Car{}
	err := row.Scan(&b.ID, &b.CarID, &b.UserID, &b.Kind, &b.Status, &b.StartDate, &b.EndDate, &comment,
		&b.CreatedAt, &b.UpdatedAt, &car.OwnerID, &car.Make, &car.Model, &car.Year, &car.Price)
	if err != nil {
		return models.Booking{}, err
	}
	b.Comment = comment.String
	car.ID = b.CarID
	b.Car = car
	return b, nil
}
