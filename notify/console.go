package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ANSI colors for terminal output.
const (
	ansiBold  = "\033[1m"
	ansiGreen = "\033[32m"
	ansiCyan  = "\033[36m"
	ansiReset = "\033[0m"
)

// Console writes notifications to a terminal with ANSI coloring.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

// NewConsole creates a console notifier writing to out. Color is on by
// default; pass NewConsolePlain for pipes and log files.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, color: true}
}

// NewConsolePlain creates a console notifier without ANSI codes.
func NewConsolePlain(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Type() string { return "console" }

func (c *Console) Send(ctx context.Context, message string, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.color {
		_, err = fmt.Fprintf(c.out, "%s%s● New listing%s %s[%s / %s]%s\n%s\n\n",
			ansiBold, ansiGreen, ansiReset,
			ansiCyan, ev.KeywordTerm, ev.RegionName, ansiReset,
			message)
	} else {
		_, err = fmt.Fprintf(c.out, "● New listing [%s / %s]\n%s\n\n",
			ev.KeywordTerm, ev.RegionName, message)
	}
	return err
}
