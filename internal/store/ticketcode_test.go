package store

import (
	"testing"
	"time"

	"qms/edge-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestFormatTicketCode(t *testing.T) {
	assert.Equal(t, "A-007", FormatTicketCode("A", 7))
	assert.Equal(t, "P-120", FormatTicketCode("p", 120))
	assert.Equal(t, "A-1000", FormatTicketCode("", 1000))
}

func TestSequenceDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	instant := time.Date(2026, 5, 10, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-05-09", SequenceDate(instant, loc))
	assert.Equal(t, "2026-05-10", SequenceDate(instant, time.UTC))
}

func TestResolvePriority(t *testing.T) {
	assert.Equal(t, models.PriorityPreferential, ResolvePriority("normal", models.PriorityPreferential))
	assert.Equal(t, models.PriorityPreferential, ResolvePriority(" Preferential ", models.PriorityNormal))
	assert.Equal(t, models.PriorityNormal, ResolvePriority("vip", models.PriorityNormal))
	assert.Equal(t, models.PriorityNormal, ResolvePriority("", ""))
}

func TestNextEventTimeIsStrictlyIncreasing(t *testing.T) {
	last := time.Date(2026, 5, 10, 12, 0, 0, 5000, time.UTC)
	same := NextEventTime(last, last, time.Microsecond)
	assert.True(t, same.After(last))

	earlier := NextEventTime(last.Add(-time.Second), last, time.Microsecond)
	assert.Equal(t, last.Add(time.Microsecond), earlier)

	later := last.Add(time.Second)
	assert.Equal(t, later, NextEventTime(later, last, time.Microsecond))
	assert.Equal(t, later, NextEventTime(later, time.Time{}, time.Microsecond))
}

func TestEncodePayloadRejectsUntypedMaps(t *testing.T) {
	_, err := EncodePayload(map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrValidation)

	body, err := EncodePayload(NewCallPayload(models.Ticket{TicketCode: "A-001"}, true))
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"is_recall":true`)
}
