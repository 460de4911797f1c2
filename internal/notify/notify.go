// Package notify delivers user-facing toasts and confirmation dialogs.
package notify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Kind is the toast severity.
type Kind string

const (
	Success Kind = "success"
	Error   Kind = "error"
	Info    Kind = "info"
)

// Choice is the answer to a dialog.
type Choice int

const (
	Cancelled Choice = iota
	Confirmed
)

// Dialog is a yes/no question.
type Dialog struct {
	Title   string
	Text    string
	Confirm string
	Cancel  string
	Default Choice
}

// Notifier is the notification channel.
type Notifier interface {
	Toast(ctx context.Context, msg string, kind Kind)
	Confirm(ctx context.Context, d Dialog) (Choice, error)
}

// Console prints toasts to w and reads dialog answers from r.
type Console struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Reader
}

var _ Notifier = (*Console)(nil)

// NewConsole constructs a Console notifier.
func NewConsole(w io.Writer, r io.Reader) *Console {
	return &Console{w: w, r: bufio.NewReader(r)}
}

// Toast prints one line prefixed by the kind.
func (c *Console) Toast(_ context.Context, msg string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "[%s] %s\n", kind, msg)
}

// Confirm asks a y/n question. An empty answer or EOF picks the default.
func (c *Console) Confirm(ctx context.Context, d Dialog) (Choice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	yes, no := "y", "n"
	if d.Default == Confirmed {
		yes = "Y"
	} else {
		no = "N"
	}
	if d.Title != "" {
		fmt.Fprintln(c.w, d.Title)
	}
	fmt.Fprintf(c.w, "%s [%s/%s] ", d.Text, yes, no)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.r.ReadString('\n')
		ch <- answer{line, err}
	}()

	var a answer
	select {
	case <-ctx.Done():
		return Cancelled, ctx.Err()
	case a = <-ch:
	}
	if a.err != nil && a.err != io.EOF {
		return Cancelled, a.err
	}
	switch strings.ToLower(strings.TrimSpace(a.line)) {
	case "y", "yes":
		return Confirmed, nil
	case "n", "no":
		return Cancelled, nil
	default:
		return d.Default, nil
	}
}

// Log writes toasts to a zap logger and answers every dialog with its default.
type Log struct {
	log *zap.Logger
}

var _ Notifier = (*Log)(nil)

// NewLog constructs a Log notifier.
func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

// Toast logs msg at a level matching kind.
func (l *Log) Toast(_ context.Context, msg string, kind Kind) {
	if kind == Error {
		l.log.Warn(msg, zap.String("kind", string(kind)))
		return
	}
	l.log.Info(msg, zap.String("kind", string(kind)))
}

// Confirm returns the dialog default.
func (l *Log) Confirm(_ context.Context, d Dialog) (Choice, error) {
	l.log.Info("dialog answered with default", zap.String("text", d.Text), zap.Int("choice", int(d.Default)))
	return d.Default, nil
}
