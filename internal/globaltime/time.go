package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Month returns the current period key in "YYYY-MM" form.
func Month() string {
	return UTC().Format("2006-01")
}

// MonthOf returns the period key for an arbitrary timestamp.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PrevMonth returns the period key immediately before the given "YYYY-MM"
// key. The boolean is false when the key does not parse.
func PrevMonth(month string) (string, bool) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return "", false
	}
	return t.AddDate(0, -1, 0).Format("2006-01"), true
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
