package interfaces

import (
	"context"
	"time"
)

// Alerter forwards operator-facing alerts. Lanes and the distributor share
// one Alerter, so implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
	Close() error
}

// AlertLevel is the severity of an alert.
type AlertLevel int

const (
	AlertLevelInfo AlertLevel = iota
	AlertLevelWarning
	AlertLevelError
	AlertLevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLevelInfo:
		return "info"
	case AlertLevelWarning:
		return "warning"
	case AlertLevelError:
		return "error"
	case AlertLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert sources.
const (
	AlertSourceLane        = "lane"
	AlertSourceDistributor = "distributor"
)

// Alert is one operator notification. Tags use the metric tag keys so
// alerts and counters for the same activity line up.
type Alert struct {
	Level   AlertLevel
	Title   string
	Message string
	Source  string
	Tags    map[string]string
	Error   error
	Raised  time.Time
}

// LaneStopped reports an activity whose lane exited with a fatal error.
// Uploads to that activity sit in its inbox until the service restarts.
func LaneStopped(activity string, err error) Alert {
	return Alert{
		Level:   AlertLevelCritical,
		Title:   "activity stopped",
		Message: activity + " no longer accepts uploads",
		Source:  AlertSourceLane,
		Tags:    map[string]string{TagActivity: activity},
		Error:   err,
		Raised:  time.Now(),
	}
}

// DeliveryFailed reports results that could not leave the hand-off
// directory.
func DeliveryFailed(activity, owner string, err error) Alert {
	return Alert{
		Level:   AlertLevelError,
		Title:   "delivery failed",
		Message: owner + "'s " + activity + " results are still waiting",
		Source:  AlertSourceDistributor,
		Tags:    map[string]string{TagActivity: activity, TagOwner: owner},
		Error:   err,
		Raised:  time.Now(),
	}
}
