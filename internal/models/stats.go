package models

import (
	"time"

	"github.com/google/uuid"
)

// StatsSnapshot сводка для админской панели
type StatsSnapshot struct {
	TotalCars       int       `json:"total_cars"`
	ActiveCars      int       `json:"active_cars"`
	PendingCars     int       `json:"pending_cars"`
	TotalUsers      int       `json:"total_users"`
	TotalBookings   int       `json:"total_bookings"`
	PendingBookings int       `json:"pending_bookings"`
	MessagesToday   int       `json:"messages_today"`
	OnlineUsers     int       `json:"online_users"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// CarViewStat число просмотров объявления
type CarViewStat struct {
	CarID uuid.UUID `json:"car_id"`
	Make  string    `json:"make"`
	Model string    `json:"model"`
	Views int       `json:"views"`
}

// ActivityItem запись ленты событий админки
type ActivityItem struct {
	Kind        string    `json:"kind"` // car, booking, user
	RefID       uuid.UUID `json:"ref_id"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}
