package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Статусы объявления о продаже/аренде автомобиля
const (
	CarStatusPending  = "pending"
	CarStatusActive   = "active"
	CarStatusSold     = "sold"
	CarStatusRejected = "rejected"
)

// ValidCarStatus проверяет статус объявления
func ValidCarStatus(status string) bool {
	switch status {
	case CarStatusPending, CarStatusActive, CarStatusSold, CarStatusRejected:
		return true
	}
	return false
}

// Car представляет объявление об автомобиле
type Car struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Make        string     `json:"make"`
	Model       string     `json:"model"`
	Year        int        `json:"year"`
	Price       int64      `json:"price"`
	Mileage     int        `json:"mileage"`
	City        string     `json:"city,omitempty"`
	Description string     `json:"description,omitempty"`
	ForRent     bool       `json:"for_rent"`
	RentPerDay  int64      `json:"rent_per_day,omitempty"`
	Status      string     `json:"status"`
	Views       int        `json:"views"`
	Images      []CarImage `json:"images"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Snapshot возвращает краткую карточку для переписки
func (c Car) Snapshot() CarSnapshot {
	s := CarSnapshot{Make: c.Make, Model: c.Model, Year: c.Year, Price: c.Price}
	for _, img := range c.Images {
		if img.IsMain {
			s.ImageURL = img.URL
			break
		}
	}
	if s.ImageURL == "" && len(c.Images) > 0 {
		s.ImageURL = c.Images[0].URL
	}
	return s
}

// CarImage представляет фотографию автомобиля
type CarImage struct {
	ID         uuid.UUID `json:"id"`
	CarID      uuid.UUID `json:"car_id"`
	URL        string    `json:"url"`
	PreviewURL string    `json:"preview_url,omitempty"`
	PublicID   string    `json:"public_id"`
	IsMain     bool      `json:"is_main"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}

// CarFilter параметры фильтрации каталога
type CarFilter struct {
	Make     string
	Model    string
	City     string
	MinPrice int64
	MaxPrice int64
	MinYear  int
	MaxYear  int
	ForRent  *bool
	OwnerID  *uuid.UUID
	Status   string
	Sort     string // price_asc, price_desc, year_desc, newest
}

// CloudinaryResponse ответ Cloudinary после загрузки, который присылает клиент
type CloudinaryResponse struct {
	AssetID   string  `json:"asset_id"`
	PublicID  string  `json:"public_id"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	SecureURL string  `json:"secure_url"`
	Eager     []Eager `json:"eager"`
}

// Eager содержит информацию о трансформациях изображения
type Eager struct {
	Status    string `json:"status"`
	SecureURL string `json:"secure_url"`
}

// ExtractPreviewURL извлекает URL превью из ответа Cloudinary
func ExtractPreviewURL(cr CloudinaryResponse) string {
	for _, eager := range cr.Eager {
		if eager.Status == "processing" || eager.Status == "completed" {
			return eager.SecureURL
		}
	}
	return ""
}

// ParseCloudinaryResponse конвертирует JSON-ответ от Cloudinary в структуру
func ParseCloudinaryResponse(raw json.RawMessage) (CloudinaryResponse, error) {
	var response CloudinaryResponse
	err := json.Unmarshal(raw, &response)
	return response, err
}
