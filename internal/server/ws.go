package server

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) accepted
// from clients. Frames exceeding this limit drop the connection rather than
// allocating unbounded memory. 1 MiB leaves generous headroom for long
// prompts while still bounding a misbehaving client.
const maxFrameSize = 1 << 20 // 1 MiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocket opcodes used by the gateway.
const (
	opcodeText  = 0x1
	opcodeClose = 0x8
	opcodePing  = 0x9
	opcodePong  = 0xA
)

// sendBufSize is the per-connection outbound frame buffer depth. Token
// streams are the highest-rate producer; 256 frames absorbs several seconds
// of generation before drops begin on a stalled client.
const sendBufSize = 256

// errFrameTooLarge is returned by readFrame when a client frame exceeds
// maxFrameSize.
var errFrameTooLarge = errors.New("frame exceeds size limit")

// isWebSocketUpgrade returns true when the request carries the WebSocket
// upgrade headers as specified in RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeFrame encodes payload as a single, unfragmented frame with the given
// opcode (FIN=1) and writes it to conn.
//
// Server-to-client frames must NOT be masked (RFC 6455 §5.1).
func writeFrame(conn net.Conn, opcode byte, payload []byte) error {
	n := len(payload)
	fin := 0x80 | opcode
	var header []byte

	switch {
	case n < 126:
		header = []byte{fin, byte(n)}
	case n < 65536:
		header = []byte{fin, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = fin
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readFrame reads one client frame from buf, unmasks the payload, and
// returns the opcode and payload bytes. Client-to-server frames must be
// masked (RFC 6455 §5.1); an unmasked frame is rejected.
func readFrame(buf *bufio.Reader) (opcode byte, payload []byte, err error) {
	b0, err := buf.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	b1, err := buf.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	opcode = b0 & 0x0F
	masked := (b1 & 0x80) != 0
	length := uint64(b1 & 0x7F)

	// Extended payload length.
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(buf, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(buf, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxFrameSize {
		return 0, nil, errFrameTooLarge
	}

	if !masked {
		return 0, nil, errors.New("client frame is not masked")
	}
	var maskKey [4]byte
	if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
		return 0, nil, err
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(buf, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return opcode, payload, nil
}

// outFrame is one queued outbound frame.
type outFrame struct {
	opcode  byte
	payload []byte
}

// Conn is one upgraded WebSocket connection. All outbound frames pass
// through a buffered channel drained by a single writer goroutine, so
// dispatcher workers, the telemetry broadcaster, and the read loop can all
// send without coordinating and without ever touching the socket directly.
type Conn struct {
	id      string
	conn    net.Conn
	send    chan outFrame
	closed  atomic.Bool
	Dropped atomic.Int64 // incremented when the send buffer is full

	writeTimeout time.Duration
	logger       *slog.Logger
}

func newConn(id string, nc net.Conn, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		id:           id,
		conn:         nc,
		send:         make(chan outFrame, sendBufSize),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Send queues one text frame for delivery. The send is non-blocking: when
// the buffer is full the frame is dropped and the Dropped counter is
// incremented, so a stalled client never applies back-pressure to a
// generation worker.
func (c *Conn) Send(payload []byte) bool {
	return c.enqueue(opcodeText, payload)
}

func (c *Conn) sendControl(opcode byte, payload []byte) {
	c.enqueue(opcode, payload)
}

func (c *Conn) enqueue(opcode byte, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- outFrame{opcode: opcode, payload: payload}:
		return true
	default:
		c.Dropped.Add(1)
		c.logger.Warn("ws: send buffer full, dropping frame",
			slog.String("conn_id", c.id))
		return false
	}
}

// close marks the connection dead and closes the socket, unblocking both
// the read loop and the writer goroutine. Idempotent.
func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// writeLoop drains the send channel into WebSocket frames. It exits when
// the connection closes or a write fails.
func (c *Conn) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := writeFrame(c.conn, f.opcode, f.payload); err != nil {
				if !c.closed.Load() {
					c.logger.Warn("ws: write frame failed",
						slog.String("conn_id", c.id), slog.Any("error", err))
				}
				c.close()
				return
			}
		}
	}
}
