package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ashureev/agentrelay/internal/domain"
)

func TestCodec_WriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rw := &loopback{buf: &buf}
	codec := NewCodec(rw, 0)

	sent := New(domain.TypePing, "alice", "_router")
	if err := codec.WriteEnvelope(sent); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Type != domain.TypePing || got.From != "alice" {
		t.Errorf("got %+v, want type PING from alice", got)
	}
	if got.Version != domain.ProtocolVersion {
		t.Errorf("got version %d, want %d", got.Version, domain.ProtocolVersion)
	}
}

func TestCodec_UnknownTypeIsProtocolError(t *testing.T) {
	rw := &loopback{buf: bytes.NewBufferString(`{"version":1,"type":"NOT_A_TYPE","id":"x"}` + "\n")}
	codec := NewCodec(rw, 0)

	_, err := codec.ReadEnvelope()
	var perr *ProtocolError
	if err == nil || !asProtocolError(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestCodec_VersionMismatchIsFatal(t *testing.T) {
	rw := &loopback{buf: bytes.NewBufferString(`{"version":99,"type":"PING","id":"x"}` + "\n")}
	codec := NewCodec(rw, 0)

	_, err := codec.ReadEnvelope()
	var perr *ProtocolError
	if err == nil || !asProtocolError(err, &perr) {
		t.Fatalf("expected *ProtocolError for version mismatch, got %v", err)
	}
}

func TestCodec_OversizedFrameRejected(t *testing.T) {
	huge := `{"version":1,"type":"PING","id":"` + strings.Repeat("x", 200) + `"}` + "\n"
	rw := &loopback{buf: bytes.NewBufferString(huge)}
	codec := NewCodec(rw, 64)

	_, err := codec.ReadEnvelope()
	var perr *ProtocolError
	if err == nil || !asProtocolError(err, &perr) {
		t.Fatalf("expected *ProtocolError for oversized frame, got %v", err)
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	if pe, ok := err.(*ProtocolError); ok {
		*target = pe
		return true
	}
	return false
}

// loopback lets ReadEnvelope/WriteEnvelope share one buffer in tests
// without pulling in net.Pipe for a pure framing test.
type loopback struct {
	buf *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
