package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"time"
)

type SearchOptions struct {
	// The start and end timestamps to search within.
	Start time.Time
	End   time.Time

	// LimitStart only returns the first N matching records.
	// If both LimitStart and LimitEnd are set then an error is returned.
	LimitStart int64

	// LimitEnd only returns the last N matching records.
	// If both LimitStart and LimitEnd are set then an error is returned.
	LimitEnd int64

	// Only return records of the given kinds, cores and events.
	Kinds  []Kind
	Cores  []int
	Events []int32
}

func (o SearchOptions) match(rec Record) bool {
	if !o.Start.IsZero() && rec.Time.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && rec.Time.After(o.End) {
		return false
	}
	if len(o.Kinds) > 0 && !slices.Contains(o.Kinds, rec.Kind) {
		return false
	}
	if len(o.Cores) > 0 && !slices.Contains(o.Cores, rec.Core) {
		return false
	}
	if len(o.Events) > 0 && !slices.Contains(o.Events, rec.Event) {
		return false
	}
	return true
}

type Reader interface {
	// Return the number of records in the trace.
	Len() int

	// Return the earliest and latest timestamps in the trace.
	TimeRange() (time.Time, time.Time)

	// Guaranteed to iterate over all records in timestamp order.
	Each(fn func(rec Record) error) error

	// Guaranteed to iterate over all records that match the search criteria in timestamp order.
	Search(opts SearchOptions, fn func(rec Record) error) error

	// Return the number of records that match the search criteria.
	Count(opts SearchOptions) (int, error)
}

type indexEntry struct {
	Offset int64
	Record Record
}

type reader struct {
	index []indexEntry

	earliest int64
	latest   int64
}

func (r *reader) indexAll(src io.Reader) error {
	var buf [RecordSize]byte

	br := bufio.NewReaderSize(src, 1024*1024)
	var off int64
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read record at %d: %w", off, err)
		}
		rec := decode(buf)
		if rec.Kind == KindInvalid {
			return fmt.Errorf("invalid record at %d", off)
		}
		ts := rec.Time.UnixNano()
		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if r.latest == 0 || ts > r.latest {
			r.latest = ts
		}
		r.index = append(r.index, indexEntry{Offset: off, Record: rec})
		off += RecordSize
	}

	// Slots are reserved in order but timestamps are taken before the
	// reservation, so concurrent writers can land slightly out of order.
	sort.SliceStable(r.index, func(i, j int) bool {
		return r.index[i].Record.Time.Before(r.index[j].Record.Time)
	})
	return nil
}

func (r *reader) Len() int { return len(r.index) }

func (r *reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

func (r *reader) matching(opts SearchOptions) ([]indexEntry, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return nil, fmt.Errorf("cannot set both LimitStart and LimitEnd")
	}
	var entries []indexEntry
	for _, e := range r.index {
		if opts.match(e.Record) {
			entries = append(entries, e)
		}
	}
	if opts.LimitStart > 0 && int64(len(entries)) > opts.LimitStart {
		entries = entries[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && int64(len(entries)) > opts.LimitEnd {
		entries = entries[len(entries)-int(opts.LimitEnd):]
	}
	return entries, nil
}

// Search implements Reader.
func (r *reader) Search(opts SearchOptions, fn func(rec Record) error) error {
	entries, err := r.matching(opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.Record); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (r *reader) Count(opts SearchOptions) (int, error) {
	entries, err := r.matching(opts)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Each implements Reader.
func (r *reader) Each(fn func(rec Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

// NewReader indexes the trace read from src.
func NewReader(src io.Reader) (Reader, error) {
	ret := &reader{}
	if err := ret.indexAll(src); err != nil {
		return nil, fmt.Errorf("failed to index trace: %w", err)
	}
	return ret, nil
}

// NewReaderFromBytes indexes an in-memory trace.
func NewReaderFromBytes(data []byte) (Reader, error) {
	return NewReader(bytes.NewReader(data))
}

func NewReaderFromFile(filename string) (Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}
