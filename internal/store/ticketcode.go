package store

import (
	"fmt"
	"strings"
	"time"

	"qms/edge-service/internal/models"
)

const (
	ticketNumberPad     = 3
	DefaultTicketPrefix = "A"
	sequenceDateLayout  = "2006-01-02"
)

func FormatTicketCode(prefix string, ordinal int64) string {
	return fmt.Sprintf("%s-%0*d", NormalizePrefix(prefix), ticketNumberPad, ordinal)
}

func NormalizePrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return DefaultTicketPrefix
	}
	return prefix
}

// SequenceDate is the calendar day an allocation at t belongs to in loc.
func SequenceDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(sequenceDateLayout)
}

// ResolvePriority applies the service's priority mode over the caller's
// request. Unknown requests fall back to normal.
func ResolvePriority(requested, serviceMode string) string {
	if serviceMode == models.PriorityPreferential {
		return models.PriorityPreferential
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if models.ValidPriority(requested) {
		return requested
	}
	return models.PriorityNormal
}
