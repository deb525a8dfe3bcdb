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

// TelegramUser представляет данные пользователя из Telegram
type TelegramUser struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	PhotoURL     string
	IsPremium    bool
	LanguageCode string
	RawData      []byte // JSONB данные
}

// UserStore работа с пользователями
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore создаёт хранилище пользователей
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// UpsertTelegramUser создает нового пользователя через Telegram или обновляет существующего.
// Второе значение true, если пользователь создан впервые.
func (s *UserStore) UpsertTelegramUser(ctx context.Context, tg TelegramUser) (models.User, bool, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.User{}, false, fmt.Errorf("ошибка при начале транзакции: %w", err)
	}
	defer tx.Rollback(ctx) // Откатываем транзакцию в случае ошибки

	var userID uuid.UUID
	isNew := false

	err = tx.QueryRow(ctx, `
		SELECT user_id FROM telegram_users WHERE telegram_id = $1
	`, tg.TelegramID).Scan(&userID)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		isNew = true
		err = tx.QueryRow(ctx, `
			INSERT INTO users (first_name, last_name, username, avatar_url, last_login_at)
			VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
			RETURNING id
		`, tg.FirstName, tg.LastName, tg.Username, tg.PhotoURL).Scan(&userID)
		if err != nil {
			return models.User{}, false, fmt.Errorf("ошибка при создании пользователя: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO telegram_users (user_id, telegram_id, username, first_name, last_name, photo_url, is_premium, language_code, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, userID, tg.TelegramID, tg.Username, tg.FirstName, tg.LastName, tg.PhotoURL, tg.IsPremium, tg.LanguageCode, tg.RawData)
		if err != nil {
			return models.User{}, false, fmt.Errorf("ошибка при создании Telegram пользователя: %w", err)
		}

	case err != nil:
		return models.User{}, false, fmt.Errorf("ошибка при проверке существования пользователя Telegram: %w", err)

	default:
		_, err = tx.Exec(ctx, `
			UPDATE users SET last_login_at = CURRENT_TIMESTAMP WHERE id = $1
		`, userID)
		if err != nil {
			return models.User{}, false, fmt.Errorf("ошибка при обновлении времени входа пользователя: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE telegram_users
			SET username = $1, first_name = $2, last_name = $3, photo_url = $4,
				is_premium = $5, language_code = $6, raw_data = $7, updated_at = CURRENT_TIMESTAMP
			WHERE telegram_id = $8
		`, tg.Username, tg.FirstName, tg.LastName, tg.PhotoURL, tg.IsPremium, tg.LanguageCode, tg.RawData, tg.TelegramID)
		if err != nil {
			return models.User{}, false, fmt.Errorf("ошибка при обновлении Telegram пользователя: %w", err)
		}
	}

	user, err := scanUser(tx.QueryRow(ctx, userSelect+` WHERE id = $1`, userID))
	if err != nil {
		return models.User{}, false, fmt.Errorf("ошибка при получении пользователя: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, false, fmt.Errorf("ошибка при фиксации транзакции: %w", err)
	}

	return user, isNew, nil
}

// EnsureDevUser создаёт пользователя для локальной разработки, если его ещё нет
func (s *UserStore) EnsureDevUser(ctx context.Context, username, role string) (models.User, bool, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	user, err := scanUser(s.pool.QueryRow(ctx, userSelect+` WHERE username = $1`, username))
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, false, fmt.Errorf("ошибка при поиске пользователя: %w", err)
	}

	user, err = scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (username, first_name, role, last_login_at)
		VALUES ($1, $1, $2, CURRENT_TIMESTAMP)
		RETURNING id, username, first_name, last_name, avatar_url, role, created_at
	`, username, role))
	if err != nil {
		return models.User{}, false, fmt.Errorf("ошибка при создании пользователя: %w", err)
	}
	return user, true, nil
}

// GetUser получает пользователя по ID
func (s *UserStore) GetUser(ctx context.Context, userID uuid.UUID) (models.User, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	user, err := scanUser(s.pool.QueryRow(ctx, userSelect+` WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("ошибка при получении пользователя: %w", err)
	}
	return user, nil
}

// DisplayName имя пользователя для подписи сообщений
func (s *UserStore) DisplayName(ctx context.Context, userID string) (string, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", ErrNotFound
	}
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	return user.DisplayName(), nil
}

const userSelect = `
	SELECT id, username, first_name, last_name, avatar_url, role, created_at
	FROM users`

// scanUser читает строку users, преобразуя nullable поля
func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var username, firstName, lastName, avatarURL pgtype.Text

	err := row.Scan(&user.ID, &username, &firstName, &lastName, &avatarURL, &user.Role, &user.CreatedAt)
	if err != nil {
		return models.User{}, err
	}

	user.Username = username.String
	user.FirstName = firstName.String
	user.LastName = lastName.String
	user.AvatarURL = avatarURL.String
	return user, nil
}
