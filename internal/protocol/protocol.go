package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the logical channel a frame belongs to.
type Kind byte

// Frame kinds matching the wire tag byte.
const (
	KindHandshake Kind = 0x00
	KindRunner    Kind = 0x01
	KindDaemon    Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindRunner:
		return "runner"
	case KindDaemon:
		return "daemon"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

const (
	// MaxFrameLen bounds the length prefix (tag + payload).
	MaxFrameLen uint32 = 16 * 1024 * 1024 // 16 MB

	lengthLen = 4
	headerLen = lengthLen + 1
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameLen.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformedFrame is returned for frames that violate the wire format.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one unit of the multiplexed link.
// Wire format: [length:u32 BE][kind:u8][payload], length = 1 + len(payload).
//
// A KindDaemon frame with an empty payload marks the end of the relayed
// daemon stream.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Handshake returns a content-free liveness frame.
func Handshake() Frame { return Frame{Kind: KindHandshake} }

// RunnerMessage returns a frame carrying a serialized runner envelope.
func RunnerMessage(b []byte) Frame { return Frame{Kind: KindRunner, Payload: b} }

// DaemonRelay returns a frame carrying a chunk of the daemon stream.
func DaemonRelay(b []byte) Frame { return Frame{Kind: KindDaemon, Payload: b} }

// IsDaemonEOF reports whether f is the empty daemon relay sentinel.
func (f Frame) IsDaemonEOF() bool {
	return f.Kind == KindDaemon && len(f.Payload) == 0
}

// Encode returns the wire encoding of f.
func Encode(f Frame) []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:lengthLen], uint32(1+len(f.Payload)))
	buf[lengthLen] = byte(f.Kind)
	copy(buf[headerLen:], f.Payload)
	return buf
}

// WriteFrame writes a single frame to w with one Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if uint64(len(f.Payload))+1 > uint64(MaxFrameLen) {
		return fmt.Errorf("writing %s frame: %w: %d bytes", f.Kind, ErrFrameTooLarge, len(f.Payload))
	}
	if _, err := w.Write(Encode(f)); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Kind, err)
	}
	return nil
}

// decodeFrame parses one frame from the head of b. It returns the number of
// bytes consumed, or 0 when b does not yet hold a complete frame.
func decodeFrame(b []byte) (Frame, int, error) {
	if len(b) < lengthLen {
		return Frame{}, 0, nil
	}
	length := binary.BigEndian.Uint32(b[:lengthLen])
	if length == 0 {
		return Frame{}, 0, fmt.Errorf("%w: zero length", ErrMalformedFrame)
	}
	if length > MaxFrameLen {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if len(b) >= headerLen {
		if k := Kind(b[lengthLen]); k > KindDaemon {
			return Frame{}, 0, fmt.Errorf("%w: unknown frame kind 0x%02x", ErrMalformedFrame, byte(k))
		}
	}
	total := lengthLen + int(length)
	if len(b) < total {
		return Frame{}, 0, nil
	}

	kind := Kind(b[lengthLen])
	payload := make([]byte, total-headerLen)
	copy(payload, b[headerLen:total])
	if kind == KindHandshake && len(payload) != 0 {
		return Frame{}, 0, fmt.Errorf("%w: handshake with %d byte payload", ErrMalformedFrame, len(payload))
	}
	return Frame{Kind: kind, Payload: payload}, total, nil
}

// plausibleHeader reports whether b could be the start of a frame. Missing
// bytes are treated as zero, which yields the smallest possible length.
func plausibleHeader(b []byte) bool {
	var hdr [headerLen]byte
	n := copy(hdr[:], b)
	length := binary.BigEndian.Uint32(hdr[:lengthLen])
	if length > MaxFrameLen {
		return false
	}
	if n >= lengthLen && length == 0 {
		return false
	}
	if n >= headerLen && Kind(hdr[lengthLen]) > KindDaemon {
		return false
	}
	return true
}

// Decoder turns a noisy byte stream into frames.
//
// Until the first frame decodes the stream is considered unsynchronized:
// lines of console text are dropped while the buffer head cannot be a frame
// header, and a head that fails to decode is dropped byte by byte up to the
// next offset that could start a frame. The earliest complete frame anywhere
// in the buffer is taken as the first one. After that, decode errors are
// fatal.
// A '^' followed by one byte is skipped at frame boundaries in either state.
type Decoder struct {
	buf    bytes.Buffer
	synced bool
	noise  func([]byte)
}

// SetNoiseHandler registers fn to receive bytes discarded before
// synchronization, one console line or dropped run of garbage per call. The
// slice is only valid for the duration of the call.
func (d *Decoder) SetNoiseHandler(fn func([]byte)) {
	d.noise = fn
}

func (d *Decoder) discard(n int) {
	if d.noise != nil && n > 0 {
		d.noise(d.buf.Bytes()[:n])
	}
	d.buf.Next(n)
}

// Feed appends raw bytes read from the link.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Synced reports whether at least one frame has been decoded.
func (d *Decoder) Synced() bool { return d.synced }

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Next returns the next complete frame. ok is false when more data is needed.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	d.skipNoise()

	f, n, err := decodeFrame(d.buf.Bytes())
	switch {
	case err == nil && n > 0:
		d.buf.Next(n)
		d.synced = true
		return f, true, nil
	case d.synced:
		return Frame{}, false, err
	}
	return d.resync(err != nil)
}

// resync looks past an unsynchronized head for the first complete frame.
// Without one, a head that failed to decode is dropped up to the next
// plausible header; a head that is only incomplete is kept.
func (d *Decoder) resync(badHead bool) (Frame, bool, error) {
	b := d.buf.Bytes()
	for i := 1; i+headerLen <= len(b); i++ {
		f, n, err := decodeFrame(b[i:])
		if err != nil || n == 0 {
			continue
		}
		d.discard(i)
		d.buf.Next(n)
		d.synced = true
		return f, true, nil
	}

	if badHead {
		i := 1
		for i < len(b) && !plausibleHeader(b[i:]) {
			i++
		}
		d.discard(i)
	}
	return Frame{}, false, nil
}

func (d *Decoder) skipNoise() {
	for {
		b := d.buf.Bytes()
		switch {
		case len(b) >= 2 && b[0] == '^':
			// Serial consoles render idle NULs as "^@".
			d.buf.Next(2)
		case !d.synced && !plausibleHeader(b):
			i := bytes.IndexByte(b, '\n')
			if i < 0 {
				return
			}
			d.discard(i + 1)
		default:
			return
		}
	}
}

// FrameReader reads frames from a byte stream.
type FrameReader struct {
	r   io.Reader
	dec Decoder
	buf []byte
	err error
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, buf: make([]byte, 32*1024)}
}

// Synced reports whether the reader has decoded at least one frame.
func (fr *FrameReader) Synced() bool { return fr.dec.Synced() }

// SetNoiseHandler forwards to Decoder.SetNoiseHandler.
func (fr *FrameReader) SetNoiseHandler(fn func([]byte)) { fr.dec.SetNoiseHandler(fn) }

// ReadFrame returns the next frame. It returns io.EOF when the stream ends
// on a frame boundary and io.ErrUnexpectedEOF when it ends mid-frame after
// synchronization. Unsynchronized residue at EOF is discarded.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	for {
		f, ok, err := fr.dec.Next()
		if err != nil {
			return Frame{}, fmt.Errorf("decoding frame: %w", err)
		}
		if ok {
			return f, nil
		}
		if fr.err != nil {
			return Frame{}, fr.finalErr()
		}

		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			fr.dec.Feed(fr.buf[:n])
		}
		if err != nil {
			fr.err = err
		}
	}
}

func (fr *FrameReader) finalErr() error {
	if !errors.Is(fr.err, io.EOF) {
		return fmt.Errorf("reading frame: %w", fr.err)
	}
	if fr.dec.Synced() && fr.dec.Buffered() > 0 {
		return io.ErrUnexpectedEOF
	}
	return io.EOF
}
