package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// A trace is a sequence of fixed-size little-endian records:
//   - 2 bytes kind
//   - 2 bytes core
//   - 4 bytes event number
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - 8 bytes argument (function id, interrupt or flag)
//   - 8 bytes value (status or result)
//
// Cores write concurrently by atomically reserving a slot at the current
// offset and writing into it with WriteAt.

const RecordSize = 32

type Kind uint16

const (
	KindInvalid Kind = iota
	// KindCall is one SDEI call. Arg is the function id, Value the result.
	KindCall
	// KindDispatch is an event handed to the client. Arg is the interrupt.
	KindDispatch
	// KindComplete is a completion. Arg is 1 for complete-and-resume.
	KindComplete
	// KindMasked is a trigger left pending because the core was masked.
	KindMasked
	// KindDropped is a trigger for an event that was disabled or
	// unregistered. Value is the event state.
	KindDropped
)

var kindNames = map[Kind]string{
	KindCall:     "call",
	KindDispatch: "dispatch",
	KindComplete: "complete",
	KindMasked:   "masked",
	KindDropped:  "dropped",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown trace kind %q", s)
}

// Record is one decoded trace record.
type Record struct {
	Kind  Kind
	Core  int
	Event int32
	Time  time.Time
	Arg   uint64
	Value int64
}

func encode(rec Record) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(rec.Kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(rec.Core))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(rec.Event))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Time.UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:24], rec.Arg)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(rec.Value))
	return buf
}

func decode(buf [RecordSize]byte) Record {
	return Record{
		Kind:  Kind(binary.LittleEndian.Uint16(buf[0:2])),
		Core:  int(binary.LittleEndian.Uint16(buf[2:4])),
		Event: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Time:  time.Unix(0, int64(binary.LittleEndian.Uint64(buf[8:16]))),
		Arg:   binary.LittleEndian.Uint64(buf[16:24]),
		Value: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

// Recorder appends records to a Writer. A nil Recorder discards records.
type Recorder struct {
	w      Writer
	offset atomicbitops.Uint64
	now    func() time.Time
}

// Open returns a Recorder writing to w from offset 0.
func Open(w Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// OpenFile truncates filename and records to it.
func OpenFile(filename string) (*Recorder, error) {
	// Truncate so successive runs don't leave stale trailing records.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return Open(f), nil
}

// OpenMemory returns a Recorder backed by memory and the buffer it writes.
func OpenMemory() (*Recorder, *Memory) {
	mem := &Memory{}
	return Open(mem), mem
}

// Close closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.w.Close()
}

// Len returns the number of records written so far.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return int(r.offset.Load() / RecordSize)
}

// Write appends rec. A zero Time is replaced with the current time.
func (r *Recorder) Write(rec Record) {
	if r == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = r.now()
	}
	off := r.offset.Add(RecordSize) - RecordSize
	if _, err := r.w.WriteAt(encode(rec), int64(off)); err != nil {
		panic(err)
	}
}

// Call records an SDEI call made by core.
func (r *Recorder) Call(core int, fid uint32, event int32, result int64) {
	r.Write(Record{Kind: KindCall, Core: core, Event: event, Arg: uint64(fid), Value: result})
}

// Dispatch records event being handed to the client on core.
func (r *Recorder) Dispatch(core int, event int32, intr uint32) {
	r.Write(Record{Kind: KindDispatch, Core: core, Event: event, Arg: uint64(intr)})
}

// Complete records the completion of event on core.
func (r *Recorder) Complete(core int, event int32, resume bool, status int64) {
	var arg uint64
	if resume {
		arg = 1
	}
	r.Write(Record{Kind: KindComplete, Core: core, Event: event, Arg: arg, Value: status})
}

// Masked records a trigger of event left pending on a masked core.
func (r *Recorder) Masked(core int, event int32, intr uint32) {
	r.Write(Record{Kind: KindMasked, Core: core, Event: event, Arg: uint64(intr)})
}

// Dropped records a trigger of event that was not delivered.
func (r *Recorder) Dropped(core int, event int32, intr uint32, state uint32) {
	r.Write(Record{Kind: KindDropped, Core: core, Event: event, Arg: uint64(intr), Value: int64(state)})
}

type write struct {
	off  int64
	data []byte
}

// Memory is an in-memory Writer. Writes may arrive out of order.
type Memory struct {
	data    sync.Map
	maxSize atomicbitops.Int64
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.data.Store(off, write{off: off, data: append([]byte{}, p...)})
	end := int64(len(p)) + off
	for {
		val := m.maxSize.Load()
		if val >= end || m.maxSize.CompareAndSwap(val, end) {
			break
		}
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes assembles the writes into one contiguous buffer.
func (m *Memory) Bytes() []byte {
	data := make([]byte, m.maxSize.Load())
	m.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}
