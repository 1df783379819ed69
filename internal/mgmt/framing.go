package mgmt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// maxFrameLen bounds a single length-prefixed frame's JSON payload.
const maxFrameLen = 1 << 20

// codec reads and writes JSON messages over a connection, per spec
// §4.5's framing rule: loopback peers use a 4-byte big-endian length
// prefix, wire (cross-host) peers use bare JSON documents read lazily
// from the stream (encoding/json.Decoder already does exactly this --
// it consumes one JSON value at a time from an io.Reader, tolerating
// arbitrary buffering boundaries).
type codec struct {
	conn   net.Conn
	framed bool
	dec    *json.Decoder
}

func newCodec(conn net.Conn, framed bool) *codec {
	return &codec{conn: conn, framed: framed, dec: json.NewDecoder(conn)}
}

// WriteJSON marshals v and writes it using this codec's framing.
func (c *codec) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mgmt: marshal: %w", err)
	}
	if !c.framed {
		_, err := c.conn.Write(payload)
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(payload)
	return err
}

// ReadJSON reads the next message into v.
func (c *codec) ReadJSON(v any) error {
	if !c.framed {
		return c.dec.Decode(v)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return fmt.Errorf("mgmt: invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// ReadRaw reads the next message as a rawMessage, for callers that must
// decide whether it is a Command or a Response before unmarshaling.
func (c *codec) ReadRaw() (rawMessage, error) {
	var m rawMessage
	if err := c.ReadJSON(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// rawMessage peeks whether a decoded JSON object is a Command (has a
// non-empty "command" key) or a Response, without committing to either
// target type up front -- needed by the inbound side's fallback
// routing, where the same connection carries both directions.
type rawMessage map[string]json.RawMessage

func (m rawMessage) isCommand() bool {
	_, ok := m["command"]
	return ok
}

func (m rawMessage) asCommand() (Command, error) {
	raw, err := json.Marshal(map[string]json.RawMessage(m))
	if err != nil {
		return Command{}, err
	}
	var cmd Command
	err = json.Unmarshal(raw, &cmd)
	return cmd, err
}

func (m rawMessage) asResponse() (Response, error) {
	raw, err := json.Marshal(map[string]json.RawMessage(m))
	if err != nil {
		return Response{}, err
	}
	var resp Response
	err = json.Unmarshal(raw, &resp)
	return resp, err
}
