package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/protocol"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/transport"
)

// ErrTerminated is returned by Serve when the supervisor sent TERMINATE.
var ErrTerminated = errors.New("session terminated")

// Options configures a Server.
type Options struct {
	// Limits, when set, makes the server refuse out-of-bounds moves itself.
	Limits *robot.WorkspaceLimits
	// Home is the pose HOME and TERMINATE return to until SET_HOME.
	Home   robot.Position
	Logger *zap.Logger
}

// Server executes protocol commands on a Driver. It serves one session at
// a time.
type Server struct {
	driver Driver
	limits *robot.WorkspaceLimits
	logger *zap.Logger

	session sync.Mutex
	mu      sync.Mutex
	home    robot.Position
}

// NewServer returns a server in front of driver.
func NewServer(driver Driver, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		driver: driver,
		limits: opts.Limits,
		home:   opts.Home,
		logger: opts.Logger.Named("agent"),
	}
}

// HomePosition returns the stored home pose.
func (s *Server) HomePosition() robot.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

// Serve runs one session on conn until the peer hangs up (nil), sends
// TERMINATE (ErrTerminated) or ctx is done. If conn is an io.Closer it is
// closed when ctx is done so that a blocked read returns.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriter) error {
	s.session.Lock()
	defer s.session.Unlock()

	if c, ok := conn.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			s.logger.Warn("bad command", zap.String("line", line), zap.Error(err))
			if werr := s.reply(conn, protocol.Reply{Kind: protocol.Error, Reason: err.Error()}); werr != nil {
				return werr
			}
			continue
		}

		s.logger.Debug("command", zap.Stringer("command", cmd))
		if cmd.Kind == protocol.Terminate {
			s.terminate(ctx)
			return ErrTerminated
		}

		reply := s.execute(ctx, cmd)
		if err := s.reply(conn, reply); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read command: %w", err)
	}
	s.logger.Info("supervisor hung up")
	return nil
}

func (s *Server) execute(ctx context.Context, cmd protocol.Command) protocol.Reply {
	rejected := func(err error) protocol.Reply {
		s.logger.Warn("command failed", zap.Stringer("command", cmd), zap.Error(err))
		return protocol.Reply{Kind: protocol.Error, Reason: err.Error()}
	}
	done := protocol.Reply{Kind: protocol.Done}

	switch cmd.Kind {
	case protocol.Move:
		if s.limits != nil {
			if err := s.limits.Check(cmd.Target); err != nil {
				return rejected(err)
			}
		}
		if err := s.driver.MoveTo(ctx, cmd.Target); err != nil {
			return rejected(err)
		}
		return done

	case protocol.GripperOpen, protocol.GripperClose:
		if err := s.driver.Gripper(ctx, cmd.Kind == protocol.GripperOpen); err != nil {
			return rejected(err)
		}
		return done

	case protocol.Home:
		if err := s.driver.MoveTo(ctx, s.HomePosition()); err != nil {
			return rejected(err)
		}
		return protocol.Reply{Kind: protocol.Homed}

	case protocol.Coords:
		p, err := s.driver.Position(ctx)
		if err != nil {
			return rejected(err)
		}
		return protocol.Reply{Kind: protocol.Position, Position: p}

	case protocol.SetHome:
		p, err := s.driver.Position(ctx)
		if err != nil {
			return rejected(err)
		}
		s.mu.Lock()
		s.home = p
		s.mu.Unlock()
		s.logger.Info("home set", zap.Stringer("home", p))
		return done
	}
	return rejected(fmt.Errorf("unsupported command %s", cmd.Kind))
}

// terminate parks the rig at home. The supervisor is gone, so a cancelled
// session context must not stop the motion.
func (s *Server) terminate(ctx context.Context) {
	home := s.HomePosition()
	s.logger.Info("terminating, returning home", zap.Stringer("home", home))
	if err := s.driver.MoveTo(context.WithoutCancel(ctx), home); err != nil {
		s.logger.Error("return home failed", zap.Error(err))
	}
}

func (s *Server) reply(w io.Writer, r protocol.Reply) error {
	if _, err := io.WriteString(w, r.Encode()); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Listen accepts supervisor connections on addr and serves them one after
// the other until a session terminates or ctx is done.
func Listen(ctx context.Context, addr string, srv *Server) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return srv.ServeListener(ctx, ln)
}

// ServeListener serves connections accepted on ln. It closes ln.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("waiting for supervisor", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.logger.Info("supervisor connected", zap.Stringer("remote", conn.RemoteAddr()))
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		err = s.Serve(ctx, conn)
		conn.Close()
		switch {
		case errors.Is(err, ErrTerminated):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.Warn("session ended", zap.Error(err))
		}
	}
}

// ServeSerial serves a supervisor on a serial line until TERMINATE or ctx
// is done.
func ServeSerial(ctx context.Context, port string, baudRate int, srv *Server) error {
	p, err := transport.OpenSerialPort(port, baudRate)
	if err != nil {
		return err
	}
	defer p.Close()

	srv.logger.Info("serving on serial line", zap.String("port", port), zap.Int("baud", baudRate))
	err = srv.Serve(ctx, p)
	if errors.Is(err, ErrTerminated) || ctx.Err() != nil {
		return nil
	}
	return err
}
