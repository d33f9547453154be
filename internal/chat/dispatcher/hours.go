package dispatcher

import "time"

// Business hours are Mon-Fri 09:00-17:00 in the server's local time zone.
const (
	businessOpenHour  = 9
	businessCloseHour = 17
)

func withinBusinessHours(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := now.Hour()
	return h >= businessOpenHour && h < businessCloseHour
}
