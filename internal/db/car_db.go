package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// NewCarImage изображение в запросе создания объявления
type NewCarImage struct {
	URL                string
	PublicID           string
	CloudinaryResponse json.RawMessage
}

// CarStore работа с объявлениями об автомобилях
type CarStore struct {
	pool *pgxpool.Pool
}

// NewCarStore создаёт хранилище объявлений
func NewCarStore(pool *pgxpool.Pool) *CarStore {
	return &CarStore{pool: pool}
}

const carColumns = `c.id, c.owner_id, c.make, c.model, c.year, c.price, c.mileage, c.city,
	c.description, c.for_rent, c.rent_per_day, c.status, c.views, c.created_at, c.updated_at`

// carWhere собирает условие WHERE и аргументы по фильтру каталога
func carWhere(f models.CarFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.Status != "" {
		add("c.status = ?", f.Status)
	}
	if f.OwnerID != nil {
		add("c.owner_id = ?", *f.OwnerID)
	}
	if f.Make != "" {
		add("c.make ILIKE ?", f.Make)
	}
	if f.Model != "" {
		add("c.model ILIKE ?", f.Model)
	}
	if f.City != "" {
		add("c.city ILIKE ?", f.City)
	}
	if f.MinPrice > 0 {
		add("c.price >= ?", f.MinPrice)
	}
	if f.MaxPrice > 0 {
		add("c.price <= ?", f.MaxPrice)
	}
	if f.MinYear > 0 {
		add("c.year >= ?", f.MinYear)
	}
	if f.MaxYear > 0 {
		add("c.year <= ?", f.MaxYear)
	}
	if f.ForRent != nil {
		add("c.for_rent = ?", *f.ForRent)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// carOrderBy переводит параметр сортировки в ORDER BY; неизвестное значение - newest
func carOrderBy(sort string) string {
	switch sort {
	case "price_asc":
		return " ORDER BY c.price ASC, c.created_at DESC"
	case "price_desc":
		return " ORDER BY c.price DESC, c.created_at DESC"
	case "year_desc":
		return " ORDER BY c.year DESC, c.created_at DESC"
	default:
		return " ORDER BY c.created_at DESC"
	}
}

// ListCars возвращает страницу каталога и общее количество подходящих объявлений
func (s *CarStore) ListCars(ctx context.Context, f models.CarFilter, limit, offset int) ([]models.Car, int, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	where, args := carWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cars c`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта объявлений: %w", err)
	}

	query := `SELECT ` + carColumns + ` FROM cars c` + where + carOrderBy(f.Sort) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения объявлений: %w", err)
	}
	cars, err := collectCars(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := s.attachImages(ctx, cars); err != nil {
		return nil, 0, err
	}
	return cars, total, nil
}

// GetCar получает объявление вместе с фотографиями
func (s *CarStore) GetCar(ctx context.Context, id uuid.UUID) (models.Car, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+carColumns+` FROM cars c WHERE c.id = $1`, id)
	if err != nil {
		return models.Car{}, fmt.Errorf("ошибка получения объявления: %w", err)
	}
	cars, err := collectCars(rows)
	if err != nil {
		return models.Car{}, err
	}
	if len(cars) == 0 {
		return models.Car{}, ErrNotFound
	}
	if err := s.attachImages(ctx, cars); err != nil {
		return models.Car{}, err
	}
	return cars[0], nil
}

// IncrementViews увеличивает счётчик просмотров и возвращает новое значение
func (s *CarStore) IncrementViews(ctx context.Context, id uuid.UUID) (int, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	var views int
	err := s.pool.QueryRow(ctx, `
		UPDATE cars SET views = views + 1 WHERE id = $1 RETURNING views
	`, id).Scan(&views)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления просмотров: %w", err)
	}
	return views, nil
}

// CreateCar сохраняет объявление и его фотографии в одной транзакции
func (s *CarStore) CreateCar(ctx context.Context, car models.Car, images []NewCarImage) (models.Car, error) {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Car{}, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO cars (owner_id, make, model, year, price, mileage, city, description, for_rent, rent_per_day, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, views, created_at, updated_at
	`, car.OwnerID, car.Make, car.Model, car.Year, car.Price, car.Mileage, car.City,
		car.Description, car.ForRent, car.RentPerDay, car.Status,
	).Scan(&car.ID, &car.Views, &car.CreatedAt, &car.UpdatedAt)
	if err != nil {
		return models.Car{}, fmt.Errorf("ошибка вставки объявления: %w", err)
	}

	car.Images = make([]models.CarImage, 0, len(images))
	for i, img := range images {
		image := models.CarImage{
			CarID:    car.ID,
			URL:      img.URL,
			PublicID: img.PublicID,
			IsMain:   i == 0, // Первое изображение - основное
			Position: i,
		}

		var metadata []byte
		if len(img.CloudinaryResponse) > 0 {
			if cr, err := models.ParseCloudinaryResponse(img.CloudinaryResponse); err == nil {
				image.PreviewURL = models.ExtractPreviewURL(cr)
				metadata, _ = json.Marshal(map[string]any{
					"asset_id": cr.AssetID,
					"width":    cr.Width,
					"height":   cr.Height,
				})
			}
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO car_images (car_id, url, preview_url, public_id, is_main, position, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at
		`, car.ID, image.URL, image.PreviewURL, image.PublicID, image.IsMain, image.Position, metadata,
		).Scan(&image.ID, &image.CreatedAt)
		if err != nil {
			return models.Car{}, fmt.Errorf("ошибка вставки изображения: %w", err)
		}
		car.Images = append(car.Images, image)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Car{}, fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return car, nil
}

// UpdateStatus меняет статус объявления (модерация)
func (s *CarStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE cars SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectCars(rows pgx.Rows) ([]models.Car, error) {
	defer rows.Close()

	cars := []models.Car{}
	for rows.Next() {
		var car models.Car
		var city, description pgtype.Text
		if err := rows.Scan(
			&car.ID, &car.OwnerID, &car.Make, &car.Model, &car.Year, &car.Price, &car.Mileage,
			&city, &description, &car.ForRent, &car.RentPerDay, &car.Status, &car.Views,
			&car.CreatedAt, &car.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения объявления: %w", err)
		}
		car.City = city.String
		car.Description = description.String
		car.Images = []models.CarImage{}
		cars = append(cars, car)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения объявлений: %w", err)
	}
	return cars, nil
}

// attachImages подгружает фотографии одним запросом для всех объявлений
func (s *CarStore) attachImages(ctx context.Context, cars []models.Car) error {
	if len(cars) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(cars))
	index := make(map[uuid.UUID]int, len(cars))
	for i, car := range cars {
		ids[i] = car.ID
		index[car.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, car_id, url, preview_url, public_id, is_main, position, created_at
		FROM car_images
		WHERE car_id = ANY($1)
		ORDER BY position
	`, ids)
	if err != nil {
		return fmt.Errorf("ошибка получения изображений: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var img models.CarImage
		var preview pgtype.Text
		if err := rows.Scan(&img.ID, &img.CarID, &img.URL, &preview, &img.PublicID,
			&img.IsMain, &img.Position, &img.CreatedAt); err != nil {
			return fmt.Errorf("ошибка чтения изображения: %w", err)
		}
		img.PreviewURL = preview.String
		i := index[img.CarID]
		cars[i].Images = append(cars[i].Images, img)
	}
	return rows.Err()
}
