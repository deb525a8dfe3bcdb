package models

import (
	"time"

	"github.com/google/uuid"
)

// Типы бронирований
const (
	BookingPurchase  = "purchase"
	BookingRental    = "rental"
	BookingTestDrive = "test_drive"
)

// Статусы бронирований
const (
	BookingPending   = "pending"
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
)

// Booking представляет заявку на покупку, аренду или тест-драйв
type Booking struct {
	ID        uuid.UUID  `json:"id"`
	CarID     uuid.UUID  `json:"car_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Kind      string     `json:"kind"`
	Status    string     `json:"status"` // pending, confirmed, cancelled
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Дополнительные поля для API
	Car *Car `json:"car,omitempty"`
}

// ValidBookingKind проверяет тип бронирования
func ValidBookingKind(kind string) bool {
	return kind == BookingPurchase || kind == BookingRental || kind == BookingTestDrive
}

// User представляет минимальную информацию о пользователе для API
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName имя для подписи сообщений
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	}
	return u.Username
}

// Роли пользователей
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
