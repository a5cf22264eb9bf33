// Package alerts keeps the dismissible list of errors and warnings shown to
// the user. Nothing here retries; a failure is reported and the caller may
// simply try again.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

type Alert struct {
	ID      int       `json:"id"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// List is safe for concurrent use.
type List struct {
	mu     sync.Mutex
	items  []Alert
	nextID int
	now    func() time.Time
}

func New() *List {
	return &List{now: time.Now}
}

// Add appends an alert and logs it.
func (l *List) Add(level Level, msg string) Alert {
	l.mu.Lock()
	l.nextID++
	a := Alert{ID: l.nextID, Level: level, Message: msg, Time: l.now()}
	l.items = append(l.items, a)
	l.mu.Unlock()

	if level == LevelError {
		slog.Error(msg)
	} else {
		slog.Warn(msg)
	}
	return a
}

func (l *List) Errorf(format string, args ...any) Alert {
	return l.Add(LevelError, fmt.Sprintf(format, args...))
}

func (l *List) Warnf(format string, args ...any) Alert {
	return l.Add(LevelWarning, fmt.Sprintf(format, args...))
}

// Dismiss removes the alert with id, reporting whether it existed.
func (l *List) Dismiss(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.items {
		if a.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a copy of the current alerts, oldest first.
func (l *List) All() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List) Clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}
