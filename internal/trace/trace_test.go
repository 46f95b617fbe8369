package trace

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestTraceMemory(t *testing.T) {
	rec, mem := OpenMemory()
	rec.Call(1, 0xC4000021, 804, 0)
	rec.Dispatch(1, 804, 36)
	rec.Complete(1, 804, true, 0)

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	var kinds []Kind
	if err := r.Each(func(rec Record) error {
		kinds = append(kinds, rec.Kind)
		if rec.Core != 1 || rec.Event != 804 {
			t.Errorf("record %v has wrong core/event", rec)
		}
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if diff := cmp.Diff([]Kind{KindCall, KindDispatch, KindComplete}, kinds); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdei.trace")
	rec, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	rec.Dropped(0, 100, 23, 1)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	var got []Record
	if err := r.Each(func(rec Record) error {
		rec.Time = time.Time{}
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	want := []Record{{Kind: KindDropped, Core: 0, Event: 100, Arg: 23, Value: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceConcurrentWriters(t *testing.T) {
	rec, mem := OpenMemory()

	var g errgroup.Group
	for core := range 4 {
		g.Go(func() error {
			for i := range 10 {
				rec.Call(core, 0xC4000028, int32(i), 0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if rec.Len() != 40 {
		t.Fatalf("Len = %d, want 40", rec.Len())
	}

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var last time.Time
	if err := r.Each(func(rec Record) error {
		if rec.Time.Before(last) {
			t.Errorf("records out of timestamp order")
		}
		last = rec.Time
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	for core := range 4 {
		n, err := r.Count(SearchOptions{Cores: []int{core}})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 10 {
			t.Fatalf("core %d: %d records, want 10", core, n)
		}
	}
}

func TestTraceSearch(t *testing.T) {
	rec, mem := OpenMemory()
	base := time.Unix(1000, 0)
	for i := range 6 {
		kind := KindDispatch
		if i%2 == 1 {
			kind = KindComplete
		}
		rec.Write(Record{Kind: kind, Core: i % 3, Event: int32(i), Time: base.Add(time.Duration(i) * time.Second)})
	}

	r, err := NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	collect := func(t *testing.T, opts SearchOptions) []int32 {
		t.Helper()
		var events []int32
		if err := r.Search(opts, func(rec Record) error {
			events = append(events, rec.Event)
			return nil
		}); err != nil {
			t.Fatalf("Search: %v", err)
		}
		return events
	}

	tests := []struct {
		name string
		opts SearchOptions
		want []int32
	}{
		{"kind", SearchOptions{Kinds: []Kind{KindComplete}}, []int32{1, 3, 5}},
		{"core", SearchOptions{Cores: []int{0}}, []int32{0, 3}},
		{"event", SearchOptions{Events: []int32{4}}, []int32{4}},
		{"limit start", SearchOptions{LimitStart: 2}, []int32{0, 1}},
		{"limit end", SearchOptions{LimitEnd: 2}, []int32{4, 5}},
		{"time", SearchOptions{Start: base.Add(2 * time.Second), End: base.Add(3 * time.Second)}, []int32{2, 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, collect(t, tc.opts)); diff != "" {
				t.Fatalf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := r.Count(SearchOptions{LimitStart: 1, LimitEnd: 1}); err == nil {
		t.Fatalf("Count with both limits succeeded")
	}
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("bogus"); err == nil {
		t.Fatalf("ParseKind(bogus) succeeded")
	}
}

func BenchmarkWrite(b *testing.B) {
	rec, _ := OpenMemory()
	for b.Loop() {
		rec.Call(0, 0xC4000020, 0, 0x1000000000000)
	}
}
