// Package debug records a binary transcript of hardware protocol traffic:
// arbiter commands and replies, backend selection and config-space faults.
//
// Each record is a 16 byte header followed by the source name and payload:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Records are appended at an atomically reserved offset so one Log may be shared
// by every component of a process.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindNote
	KindCommand
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindCommand:
		return "cmd"
	case KindResponse:
		return "resp"
	default:
		return "invalid"
	}
}

// Writer is the sink a Log appends to.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log is an append-only transcript. The zero value discards everything.
type Log struct {
	w      Writer
	offset atomic.Int64
	closed atomic.Bool
}

// New starts a transcript on w.
func New(w Writer) *Log {
	return &Log{w: w}
}

// OpenFile starts a transcript in filename, truncating any previous run.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug file: %w", err)
	}
	return New(f), nil
}

// Close closes the underlying writer. Later records are dropped.
func (l *Log) Close() error {
	if l == nil || l.w == nil || l.closed.Swap(true) {
		return nil
	}
	return l.w.Close()
}

func (l *Log) record(kind Kind, source string, data []byte) {
	if l == nil || l.w == nil || l.closed.Load() {
		return
	}

	size := int64(headerSize + len(source) + len(data))
	off := l.offset.Add(size) - size

	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(time.Now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], data)

	// The transcript is diagnostic only; a failing sink must never break device access.
	_, _ = l.w.WriteAt(rec, off)
}

// Debug writes records tagged with a fixed source.
type Debug interface {
	Command(data []byte)
	Response(data []byte)
	Writef(format string, args ...any)
}

type source struct {
	log  *Log
	name string
}

func (s source) Command(data []byte)  { s.log.record(KindCommand, s.name, data) }
func (s source) Response(data []byte) { s.log.record(KindResponse, s.name, data) }
func (s source) Writef(format string, args ...any) {
	s.log.record(KindNote, s.name, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Debug that tags every record with name. A nil Log
// yields a Debug that discards.
func (l *Log) WithSource(name string) Debug {
	return source{log: l, name: name}
}

// Discard is a Debug that records nothing.
var Discard Debug = source{}

// Record is one decoded transcript entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in the order they were written. When sources is
// non-empty only records from those sources are passed to fn.
func Each(r io.Reader, fn func(Record) error, sources ...string) error {
	filter := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		filter[s] = struct{}{}
	}

	br := bufio.NewReader(r)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read header: %w", err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("invalid header")
		}
		sourceLength := binary.LittleEndian.Uint16(header[2:4])
		dataLength := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		rec := Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Data:   body[sourceLength:],
		}
		if len(filter) > 0 {
			if _, ok := filter[rec.Source]; !ok {
				continue
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// EachFile decodes the transcript stored in filename.
func EachFile(filename string, fn func(Record) error, sources ...string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open debug file: %w", err)
	}
	defer f.Close()
	return Each(f, fn, sources...)
}

// Buffer is an in-memory Writer, useful for tests and short-lived tools.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], p)
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of the transcript written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
