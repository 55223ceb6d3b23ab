package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// File appends notifications as JSON lines to a log file, one object per
// event, re-opening on each send so external rotation works.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates a file notifier appending to path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Type() string { return "file" }

type fileLine struct {
	SentAt  int64  `json:"sent_at"`
	Message string `json:"message"`
	Event   Event  `json:"event"`
}

func (f *File) Send(ctx context.Context, message string, ev Event) error {
	line, err := json.Marshal(fileLine{
		SentAt:  time.Now().UnixMilli(),
		Message: message,
		Event:   ev,
	})
	if err != nil {
		return fmt.Errorf("file: marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file: open: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("file: write: %w", err)
	}
	return nil
}
