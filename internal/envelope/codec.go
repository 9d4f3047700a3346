// Package envelope frames and validates line-delimited JSON envelopes on a
// bidirectional byte stream (§4.1): each envelope terminated by '\n',
// partial lines buffered across reads, oversized or malformed frames
// rejected before an ERROR is emitted and the connection closed.
package envelope

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/google/uuid"
)

// DefaultMaxFrameBytes is the size cap applied when a Codec is created
// without an explicit override.
const DefaultMaxFrameBytes = 1 << 20

// ProtocolError is returned for malformed or version-mismatched frames;
// both are fatal per §4.1 and the connection must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Codec reads and writes envelopes on a stream. One Codec is owned
// exclusively by its Connection's read/write loops (§5 shared-resource
// policy); it is not safe for concurrent Read and concurrent Write calls
// from multiple goroutines each, though one reader and one writer may run
// concurrently.
type Codec struct {
	r             *bufio.Reader
	w             *bufio.Writer
	maxFrameBytes int
}

// NewCodec wraps rw with line-delimited JSON envelope framing.
func NewCodec(rw io.ReadWriter, maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{
		r:             bufio.NewReaderSize(rw, 4096),
		w:             bufio.NewWriterSize(rw, 4096),
		maxFrameBytes: maxFrameBytes,
	}
}

// ReadEnvelope reads and validates the next frame. Returns *ProtocolError
// for malformed JSON, a missing/unknown type, or a protocol version
// mismatch; returns io.EOF (or a wrapped EOF) when the peer closed cleanly.
func (c *Codec) ReadEnvelope() (*domain.Envelope, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	var env domain.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}
	if !domain.KnownEnvelopeTypes[env.Type] {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", env.Type)}
	}
	if env.Version != domain.ProtocolVersion {
		return nil, &ProtocolError{Reason: fmt.Sprintf("version mismatch: got %d, want %d", env.Version, domain.ProtocolVersion)}
	}
	if env.ID == "" {
		return nil, &ProtocolError{Reason: "missing envelope id"}
	}
	return &env, nil
}

// readLine buffers partial lines across reads and enforces the frame size
// cap before attempting to decode, so an oversized frame never buffers
// unboundedly in memory.
func (c *Codec) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > c.maxFrameBytes {
			// Drain the rest of the oversized line so the stream stays in sync
			// for the caller's subsequent close, without holding it in memory.
			for err == bufio.ErrBufferFull {
				_, err = c.r.ReadSlice('\n')
			}
			return nil, &ProtocolError{Reason: fmt.Sprintf("frame exceeds %d bytes", c.maxFrameBytes)}
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
	return trimNewline(buf), nil
}

func trimNewline(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

// WriteEnvelope marshals and writes env terminated by '\n', flushing
// immediately so each frame is delivered promptly.
func (c *Codec) WriteEnvelope(env *domain.Envelope) error {
	if env.Version == 0 {
		env.Version = domain.ProtocolVersion
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := c.w.Write(raw); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	return c.w.Flush()
}

// New builds a fresh envelope with a generated id and current timestamp,
// the common path every component uses to originate a frame.
func New(typ domain.EnvelopeType, from, to string) *domain.Envelope {
	return &domain.Envelope{
		Version: domain.ProtocolVersion,
		Type:    typ,
		ID:      uuid.NewString(),
		Ts:      time.Now().UnixMilli(),
		From:    from,
		To:      to,
	}
}
