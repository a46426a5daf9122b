package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stderr receives status output; tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+msg))
}

// progressPrinter renders progress snapshots as step lines, skipping
// repeats of the line last printed.
type progressPrinter struct {
	mu   sync.Mutex
	last string
}

func (p *progressPrinter) listener() session.Listener {
	return session.ListenerFuncs{
		Progress: p.print,
	}
}

func (p *progressPrinter) print(s lead.ProgressSnapshot) {
	if !s.Visible || s.Message == "" {
		return
	}
	line := progressLine(s)

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	printStep("%s", line)
}

func progressLine(s lead.ProgressSnapshot) string {
	line := s.Message
	if s.Percent > 0 {
		line = fmt.Sprintf("[%3d%%] %s", s.Percent, line)
	}
	if s.RecordsFound > 0 {
		line = fmt.Sprintf("%s (%d found)", line, s.RecordsFound)
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
