// Package console serves the line-based command surface: CRLF-terminated
// commands dispatched by their first token, plus asynchronous report lines
// (rcv/chan) that are dropped rather than queued while a write is in flight.
package console

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler runs one console command. args is the remainder of the line after
// the verb; respond writes one CRLF-terminated reply line.
type Handler func(args string, respond func(line string))

// Console multiplexes a command registry onto one byte stream. Reading
// happens on an internal goroutine; dispatch happens on the owner's poll
// goroutine so handlers can touch protocol state freely.
type Console struct {
	logger *slog.Logger
	rw     io.ReadWriter

	mu       sync.Mutex
	handlers map[string]Handler

	lines chan string

	writeMu     sync.Mutex
	outstanding atomic.Bool
}

func New(logger *slog.Logger, rw io.ReadWriter) *Console {
	return &Console{
		logger:   logger,
		rw:       rw,
		handlers: make(map[string]Handler),
		lines:    make(chan string, 16),
	}
}

// Register installs the handler for a verb. Later registrations win.
func (c *Console) Register(verb string, h Handler) {
	c.mu.Lock()
	c.handlers[verb] = h
	c.mu.Unlock()
}

// Start begins reading command lines. It returns immediately; the reader
// goroutine stops when the stream errors or ctx is cancelled.
func (c *Console) Start(ctx context.Context) {
	go func() {
		scanner := bufio.NewScanner(c.rw)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return
			}
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}
			select {
			case c.lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("console read failed", "error", err)
		}
	}()
}

// Poll dispatches every pending command line and returns.
func (c *Console) Poll() {
	for {
		select {
		case line := <-c.lines:
			c.dispatch(line)
		default:
			return
		}
	}
}

func (c *Console) dispatch(line string) {
	verb, args, _ := strings.Cut(line, " ")

	c.mu.Lock()
	h, ok := c.handlers[verb]
	c.mu.Unlock()

	if !ok {
		c.writeLine("ERR unknown command")
		return
	}
	h(args, c.writeLine)
}

// TryEmit writes an asynchronous report line unless a previous emission is
// still being written, in which case the line is dropped and false returned.
func (c *Console) TryEmit(line string) bool {
	if !c.outstanding.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer c.outstanding.Store(false)
		c.writeLine(line)
	}()
	return true
}

func (c *Console) writeLine(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.rw, line+"\r\n"); err != nil {
		c.logger.Warn("console write failed", "error", err)
	}
}
