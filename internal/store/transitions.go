package store

import "qms/edge-service/internal/models"

const (
	ActionCall     = "call"
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionNoShow   = "no_show"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting, models.StatusCalled},
	ActionStart:    {models.StatusCalled},
	ActionComplete: {models.StatusCalled, models.StatusInService},
	ActionNoShow:   {models.StatusCalled, models.StatusInService},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled, models.StatusInService},
}

var actionTargets = map[string]string{
	ActionCall:     models.StatusCalled,
	ActionStart:    models.StatusInService,
	ActionComplete: models.StatusCompleted,
	ActionNoShow:   models.StatusNoShow,
	ActionCancel:   models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses action may be applied to.
func AllowedFrom(action string) []string {
	return append([]string(nil), transitionMap[action]...)
}

func TargetStatus(action string) string {
	return actionTargets[action]
}

// TimestampColumn names the ticket column stamped by action.
func TimestampColumn(action string) string {
	switch action {
	case ActionCall:
		return "called_at"
	case ActionStart:
		return "service_started_at"
	case ActionComplete, ActionNoShow, ActionCancel:
		return "completed_at"
	}
	return ""
}
