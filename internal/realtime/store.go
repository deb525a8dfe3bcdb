package realtime

import (
	"context"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// MessageStore хранилище сообщений, которым пользуется шлюз
type MessageStore interface {
	// SaveMessage сохраняет сообщение. Повторный вызов с той же парой
	// (отправитель, correlation id) возвращает ранее сохранённое сообщение
	// и created == false.
	SaveMessage(ctx context.Context, msg models.Message) (saved models.Message, created bool, err error)
	// UpdateDeliveryState продвигает состояние доставки, не откатывая его назад
	UpdateDeliveryState(ctx context.Context, messageID string, state models.DeliveryState) error
	// MarkRead отмечает прочитанными входящие сообщения от otherPartyID и
	// возвращает ID тех, что действительно изменились
	MarkRead(ctx context.Context, readerID, otherPartyID string, messageIDs []string) ([]string, error)
	// DisplayName имя пользователя для подписи сообщений
	DisplayName(ctx context.Context, userID string) (string, error)
}

// SnapshotProvider отдаёт полный снимок состояния админского канала
type SnapshotProvider interface {
	Snapshot(ctx context.Context, channel string) (any, error)
}
