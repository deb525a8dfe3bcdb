package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

const snapshotLimit = 20

// OnlineCounter источник числа пользователей онлайн
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int, error)
}

// StatsStore собирает снимки состояния для админской панели
type StatsStore struct {
	pool   *pgxpool.Pool
	online OnlineCounter
}

// NewStatsStore создаёт источник снимков. online может быть nil.
func NewStatsStore(pool *pgxpool.Pool, online OnlineCounter) *StatsStore {
	return &StatsStore{pool: pool, online: online}
}

// Snapshot возвращает снимок канала админки
func (s *StatsStore) Snapshot(ctx context.Context, channel string) (any, error) {
	switch channel {
	case realtime.ChannelStats:
		return s.Stats(ctx)
	case realtime.ChannelCarViews:
		return s.TopViewed(ctx)
	case realtime.ChannelNewUsers:
		return s.RecentUsers(ctx)
	case realtime.ChannelBookings:
		return s.RecentBookings(ctx)
	case realtime.ChannelActivity:
		return s.Activity(ctx)
	}
	return nil, fmt.Errorf("канал %q не поддерживает снимки", channel)
}

// Stats сводные показатели площадки
func (s *StatsStore) Stats(ctx context.Context) (models.StatsSnapshot, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	var st models.StatsSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cars),
			(SELECT COUNT(*) FROM cars WHERE status = 'active'),
			(SELECT COUNT(*) FROM cars WHERE status = 'pending'),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM bookings),
			(SELECT COUNT(*) FROM bookings WHERE status = 'pending'),
			(SELECT COUNT(*) FROM messages WHERE created_at >= date_trunc('day', CURRENT_TIMESTAMP))
	`).Scan(&st.TotalCars, &st.ActiveCars, &st.PendingCars, &st.TotalUsers,
		&st.TotalBookings, &st.PendingBookings, &st.MessagesToday)
	if err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("ошибка получения статистики: %w", err)
	}

	if s.online != nil {
		// Недоступный Redis не должен ломать всю сводку
		if n, err := s.online.OnlineCount(ctx); err == nil {
			st.OnlineUsers = n
		}
	}
	st.GeneratedAt = time.Now()
	return st, nil
}

// TopViewed самые просматриваемые объявления
func (s *StatsStore) TopViewed(ctx context.Context) ([]models.CarViewStat, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, make, model, views FROM cars
		WHERE views > 0
		ORDER BY views DESC
		LIMIT $1
	`, snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения просмотров: %w", err)
	}
	defer rows.Close()

	stats := []models.CarViewStat{}
	for rows.Next() {
		var v models.CarViewStat
		if err := rows.Scan(&v.CarID, &v.Make, &v.Model, &v.Views); err != nil {
			return nil, err
		}
		stats = append(stats, v)
	}
	return stats, rows.Err()
}

// RecentUsers последние зарегистрированные пользователи
func (s *StatsStore) RecentUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, userSelect+` ORDER BY created_at DESC LIMIT $1`, snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RecentBookings последние заявки
func (s *StatsStore) RecentBookings(ctx context.Context) ([]models.Booking, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, bookingSelect+` ORDER BY b.created_at DESC LIMIT $1`, snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок: %w", err)
	}
	defer rows.Close()

	bookings := []models.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// Activity лента последних событий: новые объявления, заявки и пользователи
func (s *StatsStore) Activity(ctx context.Context) ([]models.ActivityItem, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT kind, ref_id, description, at FROM (
			SELECT 'car' AS kind, id AS ref_id, make || ' ' || model || ' (' || status || ')' AS description, updated_at AS at
			FROM cars
			UNION ALL
			SELECT 'booking', id, kind || ': ' || status, updated_at
			FROM bookings
			UNION ALL
			SELECT 'user', id, COALESCE(username, first_name, ''), created_at
			FROM users
		) a
		ORDER BY at DESC
		LIMIT $1
	`, snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ленты событий: %w", err)
	}
	defer rows.Close()

	items := []models.ActivityItem{}
	for rows.Next() {
		var it models.ActivityItem
		if err := rows.Scan(&it.Kind, &it.RefID, &it.Description, &it.At); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
