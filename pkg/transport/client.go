// Package transport carries the command protocol from the supervisor to
// the motion agent over any ordered, reliable byte stream (TCP or serial).
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/protocol"
	"github.com/gwillem/colorsort/pkg/robot"
)

// Default reply timeouts.
const (
	DefaultReplyTimeout = 10 * time.Second
	DefaultHomeTimeout  = 30 * time.Second
)

var (
	// ErrTimeout is returned when the agent does not reply in time.
	ErrTimeout = errors.New("reply timeout")
	// ErrClosed is returned when the link is gone.
	ErrClosed = errors.New("connection closed")
	// ErrDesync is returned when a reply does not match the command.
	ErrDesync = errors.New("unexpected reply")
)

// Error is a fatal transport failure for one command. Once returned, the
// client refuses further commands.
type Error struct {
	Op  protocol.Kind
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RejectedError is returned when the agent answers ERROR. The session
// stays usable.
type RejectedError struct {
	Op     protocol.Kind
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent rejected %s", e.Op)
	}
	return fmt.Sprintf("agent rejected %s: %s", e.Op, e.Reason)
}

// Options configures a Client.
type Options struct {
	ReplyTimeout time.Duration
	HomeTimeout  time.Duration
	Logger       *zap.Logger
}

// Client is the supervisor side of the link. It implements robot.Agent.
// Commands are serialized: a second caller blocks until the first reply
// arrives.
type Client struct {
	conn   io.ReadWriteCloser
	opts   Options
	logger *zap.Logger

	lines   chan string
	closed  chan struct{}
	readerr error
	readWG  sync.WaitGroup

	mu        sync.Mutex
	broken    error
	closeOnce sync.Once
}

var _ robot.Agent = (*Client)(nil)

// New wraps an established connection.
func New(conn io.ReadWriteCloser, opts Options) *Client {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.HomeTimeout <= 0 {
		opts.HomeTimeout = DefaultHomeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.Named("transport"),
		lines:  make(chan string),
		closed: make(chan struct{}),
	}
	c.readWG.Add(1)
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer c.readWG.Done()
	defer close(c.lines)

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.closed:
			return
		}
	}
	c.readerr = scanner.Err()
}

// Close shuts the link down without notifying the agent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.readWG.Wait()
	})
	return err
}

// Move commands an absolute pose. Callers are expected to go through
// robot.Guard; the client itself does not check limits.
func (c *Client) Move(ctx context.Context, p robot.Position) error {
	return c.expect(ctx, protocol.Command{Kind: protocol.Move, Target: p}, protocol.Done, c.opts.ReplyTimeout)
}

func (c *Client) GripperOpen(ctx context.Context) error {
	return c.expect(ctx, protocol.Command{Kind: protocol.GripperOpen}, protocol.Done, c.opts.ReplyTimeout)
}

func (c *Client) GripperClose(ctx context.Context) error {
	return c.expect(ctx, protocol.Command{Kind: protocol.GripperClose}, protocol.Done, c.opts.ReplyTimeout)
}

func (c *Client) Home(ctx context.Context) error {
	return c.expect(ctx, protocol.Command{Kind: protocol.Home}, protocol.Homed, c.opts.HomeTimeout)
}

func (c *Client) SetHome(ctx context.Context) error {
	return c.expect(ctx, protocol.Command{Kind: protocol.SetHome}, protocol.Done, c.opts.ReplyTimeout)
}

// QueryPosition asks the agent for its current pose.
func (c *Client) QueryPosition(ctx context.Context) (robot.Position, error) {
	cmd := protocol.Command{Kind: protocol.Coords}
	reply, err := c.do(ctx, cmd, c.opts.ReplyTimeout)
	if err != nil {
		return robot.Position{}, err
	}
	switch reply.Kind {
	case protocol.Position:
	case protocol.Error:
		return robot.Position{}, &RejectedError{Op: cmd.Kind, Reason: reply.Reason}
	default:
		return robot.Position{}, c.fail(cmd, fmt.Errorf("%w %q", ErrDesync, reply))
	}
	return reply.Position, nil
}

// Terminate tells the agent to end the session and closes the link.
func (c *Client) Terminate() error {
	_, err := c.do(context.Background(), protocol.Command{Kind: protocol.Terminate}, 0)
	if cerr := c.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

func (c *Client) expect(ctx context.Context, cmd protocol.Command, want protocol.ReplyKind, timeout time.Duration) error {
	reply, err := c.do(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case want:
		return nil
	case protocol.Error:
		return &RejectedError{Op: cmd.Kind, Reason: reply.Reason}
	}
	return c.fail(cmd, fmt.Errorf("%w %q", ErrDesync, reply))
}

// do sends one command and waits for its reply. The context is honoured
// only before the command is written: once on the wire, the client waits
// for the reply (bounded by timeout) so that the next reply is never
// paired with the wrong command.
func (c *Client) do(ctx context.Context, cmd protocol.Command, timeout time.Duration) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return protocol.Reply{}, c.broken
	}
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, err
	}

	// A line waiting here was never asked for.
	select {
	case line, ok := <-c.lines:
		if !ok {
			return protocol.Reply{}, c.failLocked(cmd, c.closedErr())
		}
		return protocol.Reply{}, c.failLocked(cmd, fmt.Errorf("%w %q before command", ErrDesync, line))
	default:
	}

	c.logger.Debug("send", zap.Stringer("command", cmd))
	if _, err := io.WriteString(c.conn, cmd.Encode()); err != nil {
		return protocol.Reply{}, c.failLocked(cmd, fmt.Errorf("%w: %v", ErrClosed, err))
	}
	if !cmd.ExpectsReply() {
		return protocol.Reply{}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-c.lines:
		if !ok {
			return protocol.Reply{}, c.failLocked(cmd, c.closedErr())
		}
		reply, err := protocol.ParseReply(line)
		if err != nil {
			return protocol.Reply{}, c.failLocked(cmd, fmt.Errorf("%w: %v", ErrDesync, err))
		}
		c.logger.Debug("reply", zap.Stringer("command", cmd), zap.Stringer("reply", reply))
		return reply, nil
	case <-timer.C:
		return protocol.Reply{}, c.failLocked(cmd, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	}
}

func (c *Client) closedErr() error {
	if c.readerr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readerr)
	}
	return ErrClosed
}

func (c *Client) fail(cmd protocol.Command, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(cmd, err)
}

func (c *Client) failLocked(cmd protocol.Command, err error) error {
	if c.broken == nil {
		c.broken = &Error{Op: cmd.Kind, Err: err}
		c.logger.Error("link failed", zap.Stringer("command", cmd), zap.Error(err))
		_ = c.Close()
	}
	return c.broken
}
