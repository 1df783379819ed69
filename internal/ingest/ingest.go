// Package ingest implements MetricsIngest: the per-second stats feed
// from the local wfb_rx receiver process (spec §4.1). wfb_rx exposes a
// length-prefixed MessagePack stream on a loopback TCP port; one
// record per stream id per second.
package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sich-link/sich/internal/linkmodel"
)

// maxRecordLen bounds a single record's MessagePack payload, mirroring
// wfb_rx's own Int32StringReceiver MAX_LENGTH guard.
const maxRecordLen = 1024 * 1024

// Sink receives decoded Measurements. internal/orchestrator registers a
// SinkFunc that forwards each arrival to linkstate.Machine.OnPacketArrival.
type Sink interface {
	OnMeasurement(linkmodel.Measurement)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(linkmodel.Measurement)

// OnMeasurement implements Sink.
func (f SinkFunc) OnMeasurement(m linkmodel.Measurement) { f(m) }

// rawRecord is the subset of wfb_rx's msgpack record this package cares
// about. Fields beyond these are ignored.
type rawRecord struct {
	Type       string               `msgpack:"type"`
	ID         string               `msgpack:"id"`
	Session    any                  `msgpack:"session"`
	Packets    map[string][2]uint64 `msgpack:"packets"`
	RxAntStats map[string][6]int    `msgpack:"rx_ant_stats"`
}

// MetricsIngest connects to wfb_rx's stats socket, decodes each record,
// resolves it onto the Channel it belongs to, appends the Measurement
// to that Channel's window, and fans it out to every registered Sink
// (for consumers that react to arrival itself, like
// internal/linkstate.Machine.OnPacketArrival). One MetricsIngest exists
// per peer process.
type MetricsIngest struct {
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	sinks     []Sink
	previous  map[string]linkmodel.CounterSample
	resolveFn func(streamID string) (linkmodel.StreamID, *linkmodel.Channel, bool)
}

// New constructs a MetricsIngest dialing addr (typically
// "127.0.0.1:<stats_port>"). resolve maps a wfb_rx stream id (after the
// " rx" suffix is stripped) onto the StreamID/Channel pair it belongs
// to; it returns ok=false for ids this peer doesn't currently track
// (e.g. a stream on a channel we've since hopped away from), in which
// case the record is dropped and the dropped callback passed to Run is
// invoked.
func New(addr string, logger *slog.Logger, resolve func(streamID string) (linkmodel.StreamID, *linkmodel.Channel, bool)) *MetricsIngest {
	return &MetricsIngest{
		addr:      addr,
		logger:    logger,
		previous:  make(map[string]linkmodel.CounterSample),
		resolveFn: resolve,
	}
}

// AddSink registers a consumer for every decoded Measurement.
func (g *MetricsIngest) AddSink(s Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, s)
}

// Run connects and reconnects to wfb_rx until ctx is cancelled,
// decoding records and fanning them out to every registered Sink. Each
// reconnect wipes the per-id previous-counter cache, per spec's "the
// counters reset semantics on reconnect" rule -- a fresh TCP session
// means wfb_rx itself has restarted and its own counters are back at
// zero.
func (g *MetricsIngest) Run(ctx context.Context, dropped func()) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", g.addr)
		if err != nil {
			wait := b.NextBackOff()
			if g.logger != nil {
				g.logger.Warn("ingest: dial failed, retrying", slog.String("addr", g.addr), slog.Any("err", err), slog.Duration("wait", wait))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		g.mu.Lock()
		g.previous = make(map[string]linkmodel.CounterSample)
		g.mu.Unlock()

		if g.logger != nil {
			g.logger.Info("ingest: connected", slog.String("addr", g.addr))
		}

		err = g.readLoop(ctx, conn, dropped)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.logger != nil {
			g.logger.Warn("ingest: connection lost, reconnecting", slog.Any("err", err))
		}
	}
}

func (g *MetricsIngest) readLoop(ctx context.Context, conn net.Conn, dropped func()) error {
	var lenBuf [4]byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxRecordLen {
			return fmt.Errorf("ingest: invalid record length %d", n)
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}

		if err := g.handleRecord(payload); err != nil {
			if dropped != nil {
				dropped()
			}
			if g.logger != nil {
				g.logger.Warn("ingest: dropped record", slog.Any("err", err))
			}
		}
	}
}

// handleRecord decodes one wfb_rx record and emits a Measurement. Per
// spec §4.1 step 3 ("If session is present"), RSSI/SNR/counter-delta
// computation -- and the previous[id] write it depends on -- only
// happens when the record carries a session; a session-less record
// (wfb_rx hasn't established one yet) still produces a Measurement, but
// zeroed, and must not disturb the previous-counter cache a later,
// sessioned record will delta against. Grounded on
// connection_receiver.py's `if session is not None:` gate, which wraps
// both the RSSI/SNR/delta computation and the `self._prev[rx_id]` write.
func (g *MetricsIngest) handleRecord(payload []byte) error {
	var rec rawRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if rec.Type != "rx" {
		return nil
	}
	if rec.ID == "" {
		return errors.New("missing id")
	}
	if rec.Packets == nil {
		return errors.New("missing packets")
	}

	id := stripRxSuffix(rec.ID)

	streamID, ch, ok := g.resolveFn(id)
	if !ok {
		return fmt.Errorf("unresolved stream id %q", id)
	}

	var total, bad uint64
	var rssi, snr int

	if rec.Session != nil {
		all, hasAll := rec.Packets["all"]
		lost, hasLost := rec.Packets["lost"]
		decErr, hasDecErr := rec.Packets["dec_err"]
		if !hasAll || !hasLost || !hasDecErr {
			return errors.New("missing packets.{all,lost,dec_err}")
		}

		cur := linkmodel.CounterSample{All: all[1], Lost: lost[1], DecErr: decErr[1]}

		g.mu.Lock()
		prev, hadPrev := g.previous[id]
		g.previous[id] = cur
		g.mu.Unlock()

		if !hadPrev {
			total = cur.All
			bad = cur.Lost + cur.DecErr
			if bad > total {
				bad = total
			}
		} else {
			total, bad = linkmodel.Delta(prev, cur)
		}

		rssi, snr = antennaAverages(rec.RxAntStats)
	}

	m := linkmodel.Measurement{
		Stream:       streamID,
		PacketsTotal: total,
		PacketsBad:   bad,
		RSSI:         rssi,
		SNR:          snr,
		At:           time.Now(),
	}

	ch.AddMeasurement(m)

	g.mu.Lock()
	sinks := append([]Sink(nil), g.sinks...)
	g.mu.Unlock()

	for _, s := range sinks {
		s.OnMeasurement(m)
	}
	return nil
}

func stripRxSuffix(id string) string {
	const suffix = " rx"
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		return id[:len(id)-len(suffix)]
	}
	return id
}

// antennaAverages computes spec §4.1's RSSI/SNR averaging:
// rx_ant_stats[*][2] for RSSI, rx_ant_stats[*][5] for SNR, dB values
// averaged arithmetically (the within-record per-antenna average; the
// logarithmic cross-frame average lives in internal/chanmetrics.SNR).
func antennaAverages(stats map[string][6]int) (rssi, snr int) {
	if len(stats) == 0 {
		return 0, 0
	}
	var rssiSum, snrSum, count int
	for _, v := range stats {
		rssiSum += v[2]
		snrSum += v[5]
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return round(float64(rssiSum) / float64(count)), round(float64(snrSum) / float64(count))
}

func round(f float64) int {
	if f >= 0 {
		return int(f + 0.5)
	}
	return int(f - 0.5)
}
