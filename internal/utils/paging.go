package utils

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// PageQuery читает page и limit из строки запроса и возвращает нормализованные page, limit, offset
func PageQuery(c fiber.Ctx) (int, int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(models.DefaultPageLimit)))
	return models.NormalizePaging(page, limit)
}
