package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameBytes caps a single JSONL frame. A frame larger than this is a
// protocol error; nothing in the message set legitimately approaches it.
const MaxFrameBytes = 1 << 20

// Encoder writes newline-delimited JSON frames. Safe for concurrent use:
// the heartbeat ticker and the decision path share one stdout.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one frame and flushes.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Kind, err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("encode %s frame: %d bytes exceeds frame cap", msg.Kind, len(data))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON frames.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps the given reader with the frame-size cap applied.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	return &Decoder{scanner: s}
}

// Decode reads the next frame. Returns io.EOF when the stream ends cleanly.
// Empty lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decode frame: %w", err)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read frame: %w", err)
	}
	return Message{}, io.EOF
}
