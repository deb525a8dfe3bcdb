package db

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

func TestCarWhere(t *testing.T) {
	forRent := true
	owner := uuid.New()

	where, args := carWhere(models.CarFilter{
		Status:   models.CarStatusActive,
		OwnerID:  &owner,
		Make:     "Toyota",
		MinPrice: 100,
		MaxYear:  2020,
		ForRent:  &forRent,
	})

	assert.Equal(t,
		" WHERE c.status = $1 AND c.owner_id = $2 AND c.make ILIKE $3 AND c.price >= $4 AND c.year <= $5 AND c.for_rent = $6",
		where)
	assert.Equal(t, []any{models.CarStatusActive, owner, "Toyota", int64(100), 2020, true}, args)
}

func TestCarWhereEmpty(t *testing.T) {
	where, args := carWhere(models.CarFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestCarOrderBy(t *testing.T) {
	assert.Contains(t, carOrderBy("price_asc"), "c.price ASC")
	assert.Contains(t, carOrderBy("price_desc"), "c.price DESC")
	assert.Contains(t, carOrderBy("year_desc"), "c.year DESC")
	assert.Equal(t, " ORDER BY c.created_at DESC", carOrderBy("newest"))
	assert.Equal(t, " ORDER BY c.created_at DESC", carOrderBy("; DROP TABLE cars"))
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []string{"sent"}, predecessors(models.DeliveryDelivered))
	assert.ElementsMatch(t, []string{"sent", "delivered"}, predecessors(models.DeliverySeen))
	assert.ElementsMatch(t, []string{"sending", "failed"}, predecessors(models.DeliverySent))
	assert.Empty(t, predecessors(models.DeliverySending))
}
