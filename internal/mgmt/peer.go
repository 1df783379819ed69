package mgmt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler processes an inbound Command and produces its Response. The
// Orchestrator wires a Handler that drives internal/linkstate.Machine,
// internal/radio.HopController, and internal/config's live settings.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Command) Response

// HandleCommand implements Handler.
func (f HandlerFunc) HandleCommand(ctx context.Context, cmd Command) Response { return f(ctx, cmd) }

// ErrNotConnected is returned by SendCommand when neither the outbound
// client nor an inbound fallback connection is available.
var ErrNotConnected = errors.New("mgmt: no connection available to peer")

type pendingRequest struct {
	resp chan Response
	err  chan error
}

// Peer is one side of the bidirectional management channel: an
// outbound client dialing the remote peer's well-known port with a
// FIFO of in-flight requests, and an inbound server accepting exactly
// one connection from that same peer. Loopback peers use length-prefix
// framing; cross-host peers use bare JSON, per spec §4.5.
type Peer struct {
	listenAddr string
	dialAddr   string
	loopback   bool
	handler    Handler
	logger     *slog.Logger

	mu          sync.Mutex
	outConn     net.Conn
	outCodec    *codec
	outPending  []*pendingRequest
	inConn      net.Conn
	inCodec     *codec
	inPending   *pendingRequest // fallback: one request hijacking the inbound connection
}

// NewPeer constructs a Peer. listenAddr is this process's inbound
// bind address (e.g. ":9001"); dialAddr is the remote peer's address
// (e.g. "127.0.0.1:9002" for loopback testing or a LAN IP in
// production); loopback selects length-prefix vs bare-JSON framing.
func NewPeer(listenAddr, dialAddr string, loopback bool, handler Handler, logger *slog.Logger) *Peer {
	return &Peer{
		listenAddr: listenAddr,
		dialAddr:   dialAddr,
		loopback:   loopback,
		handler:    handler,
		logger:     logger,
	}
}

// Run starts both the outbound reconnect loop and the inbound listener,
// blocking until ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- p.runOutbound(ctx) }()
	go func() { errCh <- p.runInbound(ctx) }()

	<-ctx.Done()
	p.Close()
	<-errCh
	<-errCh
	return ctx.Err()
}

// Close tears down both connections.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outConn != nil {
		p.outConn.Close()
	}
	if p.inConn != nil {
		p.inConn.Close()
	}
}

// runOutbound maintains the outbound client connection, reconnecting
// with zero initial delay and a 1s cap (spec §4.5).
func (p *Peer) runOutbound(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 0
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 0
	b.Multiplier = 2

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", p.dialAddr)
		if err != nil {
			wait := b.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		configureSocket(conn, p.logger)
		b.Reset()

		p.mu.Lock()
		p.outConn = conn
		p.outCodec = newCodec(conn, p.loopback)
		p.mu.Unlock()

		if p.logger != nil {
			p.logger.Info("mgmt: outbound connected", slog.String("addr", p.dialAddr))
		}

		p.readOutboundResponses(ctx, conn)

		p.mu.Lock()
		p.outConn = nil
		p.outCodec = nil
		pending := p.outPending
		p.outPending = nil
		p.mu.Unlock()
		for _, pr := range pending {
			pr.err <- fmt.Errorf("mgmt: outbound connection lost")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Peer) readOutboundResponses(ctx context.Context, conn net.Conn) {
	p.mu.Lock()
	codecRef := p.outCodec
	p.mu.Unlock()

	for {
		var resp Response
		if err := codecRef.ReadJSON(&resp); err != nil {
			return
		}

		p.mu.Lock()
		var pr *pendingRequest
		if len(p.outPending) > 0 {
			pr = p.outPending[0]
			p.outPending = p.outPending[1:]
		}
		p.mu.Unlock()

		if pr != nil {
			pr.resp <- resp
		}
	}
}

// runInbound accepts exactly one connection from the peer at a time.
func (p *Peer) runInbound(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("mgmt: listen %s: %w", p.listenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		configureSocket(conn, p.logger)

		p.mu.Lock()
		if p.inConn != nil {
			p.inConn.Close()
		}
		p.inConn = conn
		p.inCodec = newCodec(conn, p.loopback)
		p.mu.Unlock()

		if p.logger != nil {
			p.logger.Info("mgmt: inbound connected", slog.String("remote", conn.RemoteAddr().String()))
		}

		p.serveInbound(ctx, conn)
	}
}

func (p *Peer) serveInbound(ctx context.Context, conn net.Conn) {
	p.mu.Lock()
	codecRef := p.inCodec
	p.mu.Unlock()

	for {
		msg, err := codecRef.ReadRaw()
		if err != nil {
			break
		}

		if msg.isCommand() {
			cmd, err := msg.asCommand()
			if err != nil {
				continue
			}
			resp := p.handler.HandleCommand(ctx, cmd)
			if werr := codecRef.WriteJSON(resp); werr != nil {
				break
			}
			continue
		}

		resp, err := msg.asResponse()
		if err != nil {
			continue
		}
		p.mu.Lock()
		pr := p.inPending
		p.inPending = nil
		p.mu.Unlock()
		if pr != nil {
			pr.resp <- resp
		}
	}

	p.mu.Lock()
	if p.inConn == conn {
		p.inConn = nil
		p.inCodec = nil
	}
	pending := p.inPending
	p.inPending = nil
	p.mu.Unlock()
	if pending != nil {
		pending.err <- fmt.Errorf("mgmt: inbound connection lost")
	}
}

// SendCommand sends cmd and awaits its Response, preferring the
// outbound direction; if unavailable, it falls back to hijacking the
// inbound connection for one request/reply pair (spec §4.5's
// sendCommandToDrone fallback routing).
func (p *Peer) SendCommand(ctx context.Context, cmd Command) (Response, error) {
	p.mu.Lock()
	outCodec := p.outCodec
	p.mu.Unlock()

	if outCodec != nil {
		pr := &pendingRequest{resp: make(chan Response, 1), err: make(chan error, 1)}
		p.mu.Lock()
		p.outPending = append(p.outPending, pr)
		p.mu.Unlock()

		if err := outCodec.WriteJSON(cmd); err != nil {
			return Response{}, fmt.Errorf("mgmt: write outbound command: %w", err)
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case err := <-pr.err:
			return Response{}, err
		case resp := <-pr.resp:
			return resp, nil
		}
	}

	p.mu.Lock()
	inCodec := p.inCodec
	p.mu.Unlock()
	if inCodec == nil {
		return Response{}, ErrNotConnected
	}

	pr := &pendingRequest{resp: make(chan Response, 1), err: make(chan error, 1)}
	p.mu.Lock()
	p.inPending = pr
	p.mu.Unlock()

	if err := inCodec.WriteJSON(cmd); err != nil {
		return Response{}, fmt.Errorf("mgmt: write fallback command: %w", err)
	}
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case err := <-pr.err:
		return Response{}, err
	case resp := <-pr.resp:
		return resp, nil
	}
}

