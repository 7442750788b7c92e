package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// peer is one end of a Session seen as a request/response correlator. Both the client and
// every server session use it for their outgoing requests, so tools/call, ping and
// sampling/createMessage all share the same round trip.
type peer struct {
	session        Session
	logger         *slog.Logger
	sendTimeout    time.Duration
	requestTimeout time.Duration

	mu       sync.Mutex
	pending  map[MustString]chan peerResult
	closed   bool
	closeErr error
	done     chan struct{}
}

type peerResult struct {
	msg JSONRPCMessage
	err error
}

func newPeer(session Session, logger *slog.Logger, sendTimeout, requestTimeout time.Duration) *peer {
	return &peer{
		session:        session,
		logger:         logger,
		sendTimeout:    sendTimeout,
		requestTimeout: requestTimeout,
		pending:        make(map[MustString]chan peerResult),
		done:           make(chan struct{}),
	}
}

// request sends method to the other party and waits for the correlated response.
// It returns a *JSONRPCError when the peer answered with an error payload.
func (p *peer) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if p.requestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
			defer cancel()
		}
	}

	id := MustString(uuid.New().String())
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	results := make(chan peerResult, 1)

	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	p.pending[id] = results
	p.mu.Unlock()

	if err := p.send(ctx, msg); err != nil {
		p.forget(id)
		if ctx.Err() != nil {
			return nil, p.contextError(ctx, method)
		}
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case res := <-results:
		return res.unpack()
	case <-ctx.Done():
		if !p.forget(id) {
			// Resolved while ctx was being cancelled.
			return (<-results).unpack()
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			p.cancelRemote(id)
		}
		return nil, p.contextError(ctx, method)
	}
}

func (r peerResult) unpack() (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Error != nil {
		return nil, r.msg.Error
	}
	return r.msg.Result, nil
}

// resolve hands a response to the request waiting for its ID. Responses for unknown or
// already resolved IDs are dropped.
func (p *peer) resolve(msg JSONRPCMessage) bool {
	p.mu.Lock()
	results, ok := p.pending[msg.ID]
	delete(p.pending, msg.ID)
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("dropping response for unknown request", slog.String("id", string(msg.ID)))
		return false
	}
	results <- peerResult{msg: msg}
	return true
}

// shutdown resolves every outstanding request with err. Only the first call has an effect.
func (p *peer) shutdown(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	pending := p.pending
	p.pending = make(map[MustString]chan peerResult)
	p.mu.Unlock()

	close(p.done)
	for _, results := range pending {
		results <- peerResult{err: err}
	}
}

func (p *peer) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *peer) notify(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

func (p *peer) respond(ctx context.Context, id MustString, result any) error {
	msg, err := newResult(id, result)
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

func (p *peer) respondError(ctx context.Context, id MustString, code int, message string, data map[string]any) error {
	return p.send(ctx, newErrorResponse(id, code, message, data))
}

func (p *peer) send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-p.done:
		return p.closeErr
	default:
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	if err := p.session.Send(sendCtx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (p *peer) forget(id MustString) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	delete(p.pending, id)
	return ok
}

func (p *peer) cancelRemote(id MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if err := p.notify(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	}); err != nil {
		p.logger.Warn("failed to send cancellation", slog.String("id", string(id)), slog.String("err", err.Error()))
	}
}

func (p *peer) contextError(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return fmt.Errorf("%s: %w", method, ctx.Err())
}
