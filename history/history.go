// Package history keeps the most recent generated images together with the
// prompt and settings that produced them.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/maskstudio/config"
)

// DefaultLimit is the number of entries kept when no limit is configured. It
// is also the upper bound.
const DefaultLimit = config.MaxHistoryLimit

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultLimit {
		return DefaultLimit
	}
	return limit
}

// Settings records the parameters of a generation request.
type Settings struct {
	Source            string   `json:"source"` // "backend" or "comfy"
	Mode              string   `json:"mode,omitempty"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	NumInferenceSteps int      `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64  `json:"guidance_scale,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Strength          *float64 `json:"strength,omitempty"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
}

// Entry is one generated image.
type Entry struct {
	ID        string    `json:"id"`
	Image     []byte    `json:"image"`
	Prompt    string    `json:"prompt"`
	Settings  Settings  `json:"settings"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps at most its limit of entries, dropping the oldest on Add.
// List returns entries newest first.
type Store interface {
	Add(e Entry) (Entry, error)
	List() ([]Entry, error)
	Clear() error
	Close() error
}

// NewEntry fills in an id and timestamp.
func NewEntry(image []byte, prompt string, settings Settings) Entry {
	return Entry{
		ID:        uuid.New().String(),
		Image:     image,
		Prompt:    prompt,
		Settings:  settings,
		Timestamp: time.Now().UTC(),
	}
}

func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// newestFirst sorts entries by timestamp, newest first, and cuts them to
// limit.
func newestFirst(entries []Entry, limit int) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Open returns the store selected by cfg.Driver: "memory", "file" or
// "sqlite".
func Open(cfg config.History) (Store, error) {
	limit := clampLimit(cfg.Limit)
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(limit), nil
	case "file":
		return NewFileStore(cfg.Path, limit), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, limit)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}
