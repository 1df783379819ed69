// Package heartbeat implements HeartbeatPeer (spec §4.6): a 1Hz UDP
// exchange between GS and drone, independent of the management TCP
// channel's state, carrying each side's local link-quality view and a
// mirror of the last view it received from the peer.
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/sich-link/sich/internal/linkmodel"
)

// Interval is the heartbeat transmit/receive rate (spec §4.6: 1 Hz).
const Interval = 1 * time.Second

// LocalView is one side's own link-quality snapshot.
type LocalView struct {
	Timestamp float64 `json:"timestamp"`
	RSSI      int     `json:"rssi"`
	PER       int     `json:"per"`
	SNR       int     `json:"snr"`
}

// Payload is the heartbeat datagram's JSON shape.
type Payload struct {
	Type      string     `json:"type"`
	Timestamp float64    `json:"timestamp"`
	Status    string     `json:"status"`
	Channel   int        `json:"channel"`
	Local     LocalView  `json:"local"`
	Remote    *LocalView `json:"remote"`
	Score     *float64   `json:"score,omitempty"`
}

// Source supplies the fields HeartbeatPeer can't compute on its own:
// current link state, current channel, and the local signal-quality
// sample to publish each tick.
type Source interface {
	Status() string
	Channel() linkmodel.Frequency
	LocalView() LocalView
	Score() (value float64, ok bool)
}

// Peer sends and receives heartbeat UDP datagrams with the remote peer
// at 1 Hz and locally mirrors both directions for TUI/diagnostic
// consumption (spec's 127.0.0.1:14892/14893 mirror sockets).
type Peer struct {
	localAddr  string // this process's bind address, e.g. ":14890"
	remoteAddr string // the peer's address, e.g. "10.5.0.2:14891"

	mirrorReceivedAddr string // 127.0.0.1:14892
	mirrorSentAddr     string // 127.0.0.1:14893

	source Source
	logger *slog.Logger

	mu         sync.Mutex
	lastRemote *LocalView
}

// New constructs a Peer. mirrorReceivedAddr/mirrorSentAddr may be empty
// to disable local mirroring.
func New(localAddr, remoteAddr, mirrorReceivedAddr, mirrorSentAddr string, source Source, logger *slog.Logger) *Peer {
	return &Peer{
		localAddr:          localAddr,
		remoteAddr:         remoteAddr,
		mirrorReceivedAddr: mirrorReceivedAddr,
		mirrorSentAddr:     mirrorSentAddr,
		source:             source,
		logger:             logger,
	}
}

// Run binds the UDP socket and drives send/receive until ctx is
// cancelled.
func (p *Peer) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp4", p.localAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	// TTL=1 would be wrong here (these are routed LAN datagrams, not
	// link-local GTSM like the teacher's BFD sender); we only use the
	// ipv4.PacketConn wrapper for its control-message access, matching
	// the style of socket-option configuration the teacher applies to
	// its own UDP sender (internal/netio/sender.go), not for TTL.
	_ = pc.SetControlMessage(ipv4.FlagTTL, false)

	raddr, err := net.ResolveUDPAddr("udp4", p.remoteAddr)
	if err != nil {
		return err
	}

	go p.receiveLoop(ctx, conn)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sendOnce(conn, raddr)
		}
	}
}

func (p *Peer) sendOnce(conn *net.UDPConn, raddr *net.UDPAddr) {
	local := p.source.LocalView()
	local.Timestamp = float64(time.Now().UnixNano()) / 1e9

	p.mu.Lock()
	remote := p.lastRemote
	p.mu.Unlock()

	payload := Payload{
		Type:      "heartbeat",
		Timestamp: local.Timestamp,
		Status:    p.source.Status(),
		Channel:   int(p.source.Channel()),
		Local:     local,
		Remote:    remote,
	}
	if score, ok := p.source.Score(); ok {
		payload.Score = &score
	}

	data, err := json.Marshal(payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("heartbeat: marshal failed", slog.Any("err", err))
		}
		return
	}

	if _, err := conn.WriteToUDP(data, raddr); err != nil {
		if p.logger != nil {
			p.logger.Warn("heartbeat: send failed", slog.Any("err", err))
		}
		return
	}

	p.mirror(p.mirrorSentAddr, data)
}

func (p *Peer) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * Interval))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		var payload Payload
		if err := json.Unmarshal(buf[:n], &payload); err != nil {
			if p.logger != nil {
				p.logger.Warn("heartbeat: malformed datagram, discarding", slog.Any("err", err))
			}
			continue
		}

		p.mu.Lock()
		remote := payload.Local
		p.lastRemote = &remote
		p.mu.Unlock()

		p.mirror(p.mirrorReceivedAddr, buf[:n])
	}
}

// mirror best-effort forwards data to a local UDP socket for TUI/tooling
// consumption; failures are silent (no listener is a normal state).
func (p *Peer) mirror(addr string, data []byte) {
	if addr == "" {
		return
	}
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write(data)
}
