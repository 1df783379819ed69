package ingest_test

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sich-link/sich/internal/ingest"
	"github.com/sich-link/sich/internal/linkmodel"
)

// writeRecord writes a length-prefixed msgpack record to conn, mirroring
// wfb_rx's Int32StringReceiver framing.
func writeRecord(t *testing.T, conn net.Conn, rec map[string]any) {
	t.Helper()
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func rxRecord(id string, all, lost, decErr uint64) map[string]any {
	return map[string]any{
		"type":    "rx",
		"id":      id,
		"session": map[string]any{"key": "deadbeef"},
		"packets": map[string]any{
			"all":     []uint64{0, all},
			"lost":    []uint64{0, lost},
			"dec_err": []uint64{0, decErr},
		},
		"rx_ant_stats": map[string]any{
			"0:0": []int{0, 0, -55, 0, 0, 25},
		},
	}
}

// rxRecordNoSession mirrors rxRecord but omits the "session" key,
// exercising spec §4.1 step 3's presence gate: wfb_rx emits these before
// a session is established, and they must surface as a zeroed
// Measurement without touching the previous-counter cache.
func rxRecordNoSession(id string, all, lost, decErr uint64) map[string]any {
	rec := rxRecord(id, all, lost, decErr)
	delete(rec, "session")
	return rec
}

func TestRunDecodesFirstRecordAsAbsolute(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ch := linkmodel.NewChannel(5800)
	g := ingest.New(ln.Addr().String(), nil, func(id string) (linkmodel.StreamID, *linkmodel.Channel, bool) {
		if id != "video" {
			return 0, nil, false
		}
		return linkmodel.StreamVideo, ch, true
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeRecord(t, conn, rxRecord("video rx", 100, 5, 0))
		time.Sleep(50 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go g.Run(ctx, nil)
	wg.Wait()

	time.Sleep(100 * time.Millisecond)

	w := ch.Window(linkmodel.StreamVideo, 1)
	if len(w) != 1 {
		t.Fatalf("Window() len = %d, want 1", len(w))
	}
	if w[0].PacketsTotal != 100 || w[0].PacketsBad != 5 {
		t.Errorf("first record = %+v, want total=100 bad=5 (absolute, no previous)", w[0])
	}
	if w[0].RSSI != -55 || w[0].SNR != 25 {
		t.Errorf("antenna averages = rssi=%d snr=%d, want rssi=-55 snr=25", w[0].RSSI, w[0].SNR)
	}
}

func TestRunZeroesMeasurementWithoutSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ch := linkmodel.NewChannel(5800)
	g := ingest.New(ln.Addr().String(), nil, func(id string) (linkmodel.StreamID, *linkmodel.Channel, bool) {
		if id != "video" {
			return 0, nil, false
		}
		return linkmodel.StreamVideo, ch, true
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeRecord(t, conn, rxRecordNoSession("video rx", 100, 5, 0))
		time.Sleep(50 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go g.Run(ctx, nil)
	wg.Wait()

	time.Sleep(100 * time.Millisecond)

	w := ch.Window(linkmodel.StreamVideo, 1)
	if len(w) != 1 {
		t.Fatalf("Window() len = %d, want 1", len(w))
	}
	if w[0].PacketsTotal != 0 || w[0].PacketsBad != 0 || w[0].RSSI != 0 || w[0].SNR != 0 {
		t.Errorf("session-less record = %+v, want all-zero Measurement", w[0])
	}
}

func TestUnresolvedStreamIsDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	g := ingest.New(ln.Addr().String(), nil, func(id string) (linkmodel.StreamID, *linkmodel.Channel, bool) {
		return 0, nil, false
	})

	var dropCount int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeRecord(t, conn, rxRecord("unknown rx", 10, 0, 0))
		time.Sleep(50 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go g.Run(ctx, func() {
		mu.Lock()
		dropCount++
		mu.Unlock()
	})
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if dropCount != 1 {
		t.Errorf("dropCount = %d, want 1", dropCount)
	}
}
