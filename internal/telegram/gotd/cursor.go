package gotd

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// cursor tracks the newest update seen and is written to the cursor artifact on close.
type cursor struct {
	path string

	mu    sync.Mutex
	state cursorState
	dirty bool
}

type cursorState struct {
	LastDate  int64     `json:"last_date"`
	UpdatedAt time.Time `json:"updated_at"`
}

func loadCursor(path string) *cursor {
	c := &cursor{path: path}
	if path == "" {
		return c
	}
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &c.state)
	}
	return c
}

func (c *cursor) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := t.Unix(); u > c.state.LastDate {
		c.state.LastDate = u
		c.dirty = true
	}
}

func (c *cursor) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return nil
	}
	c.state.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return err
	}
	c.dirty = false
	return nil
}
