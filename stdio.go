package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a transport carrying newline-delimited JSON-RPC messages over an
// io.Reader/io.Writer pair, typically stdin/stdout. It provides a single persistent
// session and can be used as either ServerTransport or ClientTransport.
//
// Use NewStdIO to create instances.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for StdIO and CommandTransport.
type StdIOOption func(*stdIOSession)

// CommandTransport is a ClientTransport that spawns the server as a subprocess and talks
// to it over the process's stdin and stdout.
type CommandTransport struct {
	cmd         *exec.Cmd
	options     []StdIOOption
	waitTimeout time.Duration
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan []byte

	startOnce   sync.Once
	stopOnce    sync.Once
	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type commandSession struct {
	*stdIOSession

	cmd         *exec.Cmd
	stdin       io.Closer
	waitTimeout time.Duration
	stopOnce    sync.Once
}

var (
	defaultCommandWaitTimeout = 5 * time.Second

	errSessionClosed = errors.New("session is closed")
)

// NewStdIO creates a new StdIO instance reading messages from reader and writing them to
// writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	return StdIO{
		sess:   newStdIOSession(reader, writer, options...),
		closed: make(chan struct{}),
	}
}

func newStdIOSession(reader io.Reader, writer io.Writer, options ...StdIOOption) *stdIOSession {
	s := &stdIOSession{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		lines:         make(chan []byte),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the stdio session.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *stdIOSession) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by yielding the single session and
// waiting until it is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.sess.start()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Sessions loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The session is ready immediately.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.start()
	return s.sess, nil
}

// NewCommandTransport creates a ClientTransport that starts cmd on StartSession. The
// command's stderr defaults to the current process's stderr, so the server's logs stay
// visible.
func NewCommandTransport(cmd *exec.Cmd, options ...StdIOOption) *CommandTransport {
	return &CommandTransport{
		cmd:         cmd,
		options:     options,
		waitTimeout: defaultCommandWaitTimeout,
	}
}

// StartSession starts the subprocess and wires its stdin and stdout to a stdio session.
// Stopping the session closes the process's stdin and kills it if it does not exit in time.
func (t *CommandTransport) StartSession(ctx context.Context) (Session, error) {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if t.cmd.Stderr == nil {
		t.cmd.Stderr = os.Stderr
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", t.cmd.Path, err)
	}

	sess := newStdIOSession(stdout, stdin, t.options...)
	sess.start()

	return &commandSession{
		stdIOSession: sess,
		cmd:          t.cmd,
		stdin:        stdin,
		waitTimeout:  t.waitTimeout,
	}, nil
}

func (s *stdIOSession) ID() string { return s.id }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	// Append newline to maintain message framing
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for the single writer goroutine so concurrent senders never
	// interleave their bytes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			var line []byte
			select {
			case <-s.done:
				return
			case l, ok := <-s.lines:
				if !ok {
					return
				}
				line = l
			}

			msg, err := DecodeMessage(line)
			if err != nil {
				s.logger.Error("failed to decode message", slog.String("err", err.Error()))
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.writeClosed
	})
}

func (s *stdIOSession) start() {
	s.startOnce.Do(func() {
		go s.processWriteMessages()
		go s.readLines()
	})
}

// readLines is the only reader of s.reader. It ends on EOF, on a read error or when the
// session is stopped while a line is pending.
func (s *stdIOSession) readLines() {
	defer close(s.lines)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case s.lines <- line:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *commandSession) Stop() {
	s.stopOnce.Do(func() {
		s.stdIOSession.Stop()

		if err := s.stdin.Close(); err != nil {
			s.logger.Warn("failed to close subprocess stdin", slog.String("err", err.Error()))
		}

		waited := make(chan error, 1)
		go func() { waited <- s.cmd.Wait() }()

		select {
		case err := <-waited:
			if err != nil {
				s.logger.Info("subprocess exited", slog.String("err", err.Error()))
			}
		case <-time.After(s.waitTimeout):
			s.logger.Warn("subprocess did not exit, killing it")
			if err := s.cmd.Process.Kill(); err != nil {
				s.logger.Error("failed to kill subprocess", slog.String("err", err.Error()))
			}
			<-waited
		}
	})
}
