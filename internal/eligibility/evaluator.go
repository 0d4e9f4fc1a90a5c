// Package eligibility decides whether a push message may be sent to a user right now.
//
// Evaluate is pure: it reads only its arguments, so callers inject the clock.
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/propush/internal/db"
)

// Reason explains a denial.
type Reason string

const (
	ReasonPushDisabled Reason = "push_disabled"
	ReasonTypeDisabled Reason = "type_disabled"
	ReasonQuietHours   Reason = "quiet_hours"
)

// Decision is the outcome of Evaluate. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the zero-reason positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Evaluate applies the rules in order, first match wins:
// no preferences, push disabled, category toggle off, quiet hours.
func Evaluate(prefs *db.NotificationPreference, category string, now time.Time) Decision {
	if prefs == nil {
		return Allow
	}

	if !prefs.PushEnabled {
		return Deny(ReasonPushDisabled)
	}

	if enabled, known := prefs.CategoryEnabled(category); known && !enabled {
		return Deny(ReasonTypeDisabled)
	}

	if prefs.QuietHoursEnabled && prefs.QuietStartTime != nil && prefs.QuietEndTime != nil {
		start, errStart := ParseClock(*prefs.QuietStartTime)
		end, errEnd := ParseClock(*prefs.QuietEndTime)
		// unparsable stored times disable the window rather than blocking everything
		if errStart == nil && errEnd == nil && InQuietHours(start, end, now.Hour()*60+now.Minute()) {
			return Deny(ReasonQuietHours)
		}
	}

	return Allow
}

// InQuietHours reports whether current (minutes since midnight) falls in [start, end).
// A window with start > end wraps past midnight.
func InQuietHours(start, end, current int) bool {
	if start <= end {
		return current >= start && current < end
	}
	return current >= start || current < end
}

// ParseClock converts a strict "HH:MM" (24-hour, two digits each) to minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != len("15:04") {
		return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
