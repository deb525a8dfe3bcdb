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

// ChatStore хранилище сообщений переписки по автомобилям
type ChatStore struct {
	pool *pgxpool.Pool
}

// NewChatStore создаёт хранилище сообщений
func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

// displayName SQL-выражение подписи пользователя из таблицы с алиасом alias
func displayName(alias string) string {
	return fmt.Sprintf(
		`COALESCE(NULLIF(TRIM(CONCAT_WS(' ', %[1]s.first_name, %[1]s.last_name)), ''), %[1]s.username, '')`,
		alias)
}

var messageSelect = `
	SELECT m.id, m.correlation_id, m.sender_id, ` + displayName("su") + `, m.recipient_id, ` + displayName("ru") + `,
		m.content, m.car_id, m.read, m.delivery_state, m.created_at, m.updated_at
	FROM messages m
	JOIN users su ON su.id = m.sender_id
	JOIN users ru ON ru.id = m.recipient_id`

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	var id, senderID, recipientID, carID uuid.UUID
	var state string
	err := row.Scan(&id, &msg.CorrelationID, &senderID, &msg.Sender.Name, &recipientID, &msg.Recipient.Name,
		&msg.Content, &carID, &msg.Read, &state, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return models.Message{}, err
	}
	msg.ID = id.String()
	msg.Sender.ID = senderID.String()
	msg.Recipient.ID = recipientID.String()
	msg.CarID = carID.String()
	msg.DeliveryState = models.DeliveryState(state)
	return msg, nil
}

// SaveMessage сохраняет сообщение. Повтор с той же парой (отправитель, correlation id)
// возвращает уже сохранённое сообщение, не создавая дубль, и created == false.
func (s *ChatStore) SaveMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	if msg.DeliveryState == "" {
		msg.DeliveryState = models.DeliverySent
	}

	// xmax = 0 только у строки, которую вставил этот запрос
	var id uuid.UUID
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (correlation_id, sender_id, recipient_id, car_id, content, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sender_id, correlation_id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id
		RETURNING id, (xmax = 0)
	`, msg.CorrelationID, msg.Sender.ID, msg.Recipient.ID, msg.CarID, msg.Content, string(msg.DeliveryState)).Scan(&id, &created)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("ошибка сохранения сообщения: %w", err)
	}

	saved, err := scanMessage(s.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id))
	if err != nil {
		return models.Message{}, false, fmt.Errorf("ошибка получения сообщения: %w", err)
	}
	return saved, created, nil
}

// predecessors состояния, из которых допустим переход в state
func predecessors(state models.DeliveryState) []string {
	var out []string
	for _, s := range []models.DeliveryState{
		models.DeliverySending, models.DeliverySent, models.DeliveryDelivered,
		models.DeliverySeen, models.DeliveryFailed,
	} {
		if s.CanAdvanceTo(state) {
			out = append(out, string(s))
		}
	}
	return out
}

// UpdateDeliveryState продвигает состояние доставки. Недопустимый переход молча игнорируется.
func (s *ChatStore) UpdateDeliveryState(ctx context.Context, messageID string, state models.DeliveryState) error {
	from := predecessors(state)
	if len(from) == 0 {
		return nil
	}

	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET delivery_state = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND delivery_state = ANY($3)
	`, string(state), messageID, from)
	if err != nil {
		return fmt.Errorf("ошибка обновления состояния доставки: %w", err)
	}
	return nil
}

// MarkRead отмечает прочитанными входящие сообщения от otherPartyID и возвращает
// ID сообщений, которые изменились
func (s *ChatStore) MarkRead(ctx context.Context, readerID, otherPartyID string, messageIDs []string) ([]string, error) {
	// Временные ID неподтверждённых сообщений в базе не встречаются
	ids := make([]uuid.UUID, 0, len(messageIDs))
	for _, raw := range messageIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE messages
		SET read = true, delivery_state = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = ANY($1) AND recipient_id = $2 AND sender_id = $3 AND NOT read
		RETURNING id
	`, ids, readerID, otherPartyID, string(models.DeliverySeen))
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления статуса прочтения: %w", err)
	}
	return collectIDs(rows)
}

// MarkConversationRead отмечает прочитанной всю переписку с собеседником по автомобилю
func (s *ChatStore) MarkConversationRead(ctx context.Context, readerID, otherPartyID, carID uuid.UUID) ([]string, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE messages
		SET read = true, delivery_state = $4, updated_at = CURRENT_TIMESTAMP
		WHERE car_id = $1 AND recipient_id = $2 AND sender_id = $3 AND NOT read
		RETURNING id
	`, carID, readerID, otherPartyID, string(models.DeliverySeen))
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления статуса прочтения: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

// DisplayName имя пользователя для подписи сообщений
func (s *ChatStore) DisplayName(ctx context.Context, userID string) (string, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	var name string
	err := s.pool.QueryRow(ctx, `SELECT `+displayName("u")+` FROM users u WHERE u.id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// History возвращает страницу переписки в хронологическом порядке, начиная с самых новых
func (s *ChatStore) History(ctx context.Context, userID, otherID, carID uuid.UUID, limit, offset int) ([]models.Message, int, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	const where = `
		WHERE m.car_id = $1
		  AND ((m.sender_id = $2 AND m.recipient_id = $3) OR (m.sender_id = $3 AND m.recipient_id = $2))`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages m`+where, carID, userID, otherID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта сообщений: %w", err)
	}

	rows, err := s.pool.Query(ctx, messageSelect+where+`
		ORDER BY m.created_at DESC
		LIMIT $4 OFFSET $5
	`, carID, userID, otherID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения сообщений: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка чтения сообщения: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Выбирали от новых к старым, отдаём по порядку
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, total, nil
}

// ListConversations возвращает переписки пользователя с последним сообщением и числом непрочитанных
func (s *ChatStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		WITH conv AS (
			SELECT m.*, CASE WHEN m.sender_id = $1 THEN m.recipient_id ELSE m.sender_id END AS other_id
			FROM messages m
			WHERE m.sender_id = $1 OR m.recipient_id = $1
		), last AS (
			SELECT DISTINCT ON (car_id, other_id) *
			FROM conv
			ORDER BY car_id, other_id, created_at DESC
		)
		SELECT l.id, l.correlation_id, l.sender_id, `+displayName("su")+`, l.recipient_id, `+displayName("ru")+`,
			l.content, l.car_id, l.read, l.delivery_state, l.created_at, l.updated_at,
			l.other_id,
			(SELECT COUNT(*) FROM conv u
			 WHERE u.car_id = l.car_id AND u.other_id = l.other_id AND u.recipient_id = $1 AND NOT u.read),
			c.make, c.model, c.year, c.price,
			(SELECT i.url FROM car_images i WHERE i.car_id = c.id ORDER BY i.is_main DESC, i.position LIMIT 1)
		FROM last l
		JOIN users su ON su.id = l.sender_id
		JOIN users ru ON ru.id = l.recipient_id
		JOIN cars c ON c.id = l.car_id
		ORDER BY l.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса переписок: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var msg models.Message
		var id, senderID, recipientID, carID, otherID uuid.UUID
		var state string
		var unread int
		var car models.CarSnapshot
		var imageURL pgtype.Text

		if err := rows.Scan(
			&id, &msg.CorrelationID, &senderID, &msg.Sender.Name, &recipientID, &msg.Recipient.Name,
			&msg.Content, &carID, &msg.Read, &state, &msg.CreatedAt, &msg.UpdatedAt,
			&otherID, &unread,
			&car.Make, &car.Model, &car.Year, &car.Price, &imageURL,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения переписки: %w", err)
		}

		msg.ID = id.String()
		msg.Sender.ID = senderID.String()
		msg.Recipient.ID = recipientID.String()
		msg.CarID = carID.String()
		msg.DeliveryState = models.DeliveryState(state)
		car.ImageURL = imageURL.String

		conversations = append(conversations, models.Conversation{
			Key:         models.ConversationKey{ParticipantID: otherID.String(), CarID: carID.String()},
			UnreadCount: unread,
			LastMessage: &msg,
			Car:         car,
		})
	}
	return conversations, rows.Err()
}
