package kafka

import "time"

func timeNow() time.Time {
	return time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
}
