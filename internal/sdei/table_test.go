package sdei

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTableBuilderRejects(t *testing.T) {
	withEventZero := func(b *TableBuilder) {
		if err := b.AddPrivate(0, 8, MapSignalable); err != nil {
			t.Fatalf("AddPrivate(0): %v", err)
		}
	}

	tests := []struct {
		name  string
		build func(b *TableBuilder) error
	}{
		{"duplicate event", func(b *TableBuilder) error {
			withEventZero(b)
			return b.AddShared(0, 40, 0)
		}},
		{"descending events", func(b *TableBuilder) error {
			withEventZero(b)
			if err := b.AddPrivate(10, 20, 0); err != nil {
				return nil
			}
			return b.AddPrivate(9, 21, 0)
		}},
		{"negative event", func(b *TableBuilder) error {
			return b.AddPrivate(-1, 8, 0)
		}},
		{"dynamic with interrupt", func(b *TableBuilder) error {
			return b.AddPrivate(5, 20, MapDynamic)
		}},
		{"dynamic critical", func(b *TableBuilder) error {
			return b.AddShared(5, 0, MapDynamic|MapCritical)
		}},
		{"static without interrupt", func(b *TableBuilder) error {
			return b.AddShared(5, 0, 0)
		}},
		{"shared interrupt reused", func(b *TableBuilder) error {
			if err := b.AddShared(5, 40, 0); err != nil {
				return nil
			}
			return b.AddShared(6, 40, 0)
		}},
		{"signalable non-zero event", func(b *TableBuilder) error {
			return b.AddPrivate(5, 9, MapSignalable)
		}},
		{"event zero not signalable", func(b *TableBuilder) error {
			return b.AddPrivate(0, 8, 0)
		}},
		{"event zero on a PPI", func(b *TableBuilder) error {
			return b.AddPrivate(0, 20, MapSignalable)
		}},
		{"event zero shared", func(b *TableBuilder) error {
			return b.AddShared(0, 5, MapSignalable)
		}},
		{"private event on an SPI", func(b *TableBuilder) error {
			return b.AddPrivate(5, 40, 0)
		}},
		{"shared event on a PPI", func(b *TableBuilder) error {
			return b.AddShared(5, 20, 0)
		}},
		{"no event zero", func(b *TableBuilder) error {
			if err := b.AddPrivate(5, 20, 0); err != nil {
				return nil
			}
			_, err := b.Build()
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.build(NewTableBuilder()); err == nil {
				t.Fatalf("builder accepted %s", tt.name)
			}
		})
	}
}

func TestTableLookup(t *testing.T) {
	table, err := DefaultPlatform().Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	events := func(maps []*EventMap) []int32 {
		var out []int32
		for _, m := range maps {
			out = append(out, m.Event())
		}
		return out
	}
	if diff := cmp.Diff([]int32{0, 8, 100, 101}, events(table.Private())); diff != "" {
		t.Fatalf("private events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{804, 1804, 3000, 3001}, events(table.Shared())); diff != "" {
		t.Fatalf("shared events mismatch (-want +got):\n%s", diff)
	}

	if m := table.Find(1804); m == nil || m.Interrupt() != 35 || !m.Bound() {
		t.Fatalf("Find(1804) = %v", m)
	}
	if m := table.Find(5); m != nil {
		t.Fatalf("Find(5) = %v, want nil", m)
	}
	if m := table.Find(0); !m.Signalable() || !m.Private() {
		t.Fatalf("event 0 flags = %v", m.Flags())
	}
	if m := table.FindByInterrupt(35, true); m == nil || m.Event() != 1804 {
		t.Fatalf("FindByInterrupt(35) = %v", m)
	}
	if m := table.FindByInterrupt(35, false); m != nil {
		t.Fatalf("FindByInterrupt(35) in private table = %v", m)
	}
	if m := table.FindByInterrupt(0, false); m == nil || m.Event() != 100 {
		t.Fatalf("first free private slot = %v, want event 100", m)
	}
	if m := table.FindByInterrupt(0, true); m == nil || m.Event() != 804 {
		t.Fatalf("first free shared slot = %v, want event 804", m)
	}
	if m := table.Find(804); m.Bound() || m.Interrupt() != 0 {
		t.Fatalf("dynamic event 804 starts %v", m)
	}

	private, shared := table.dynamicSlots()
	if private != 2 || shared != 3 {
		t.Fatalf("dynamicSlots = %d, %d, want 2, 3", private, shared)
	}
}

func TestMapFlagsString(t *testing.T) {
	if got := (MapPrivate | MapSignalable).String(); got != "private|signalable" {
		t.Fatalf("String = %q", got)
	}
	if got := (MapDynamic).String(); got != "shared|dynamic" {
		t.Fatalf("String = %q", got)
	}
}

func TestStatusErr(t *testing.T) {
	tests := []struct {
		status Status
		want   error
		name   string
	}{
		{Unknown, ErrNotSupported, "NOT_SUPPORTED"},
		{Invalid, ErrInvalidParameters, "INVALID_PARAMETERS"},
		{Denied, ErrDenied, "DENIED"},
		{Pending, ErrPending, "PENDING"},
		{NoMemory, ErrOutOfResource, "OUT_OF_RESOURCE"},
	}
	for _, tt := range tests {
		if !tt.status.IsError() {
			t.Fatalf("%v is not an error", tt.status)
		}
		if err := tt.status.Err(); !errors.Is(err, tt.want) {
			t.Fatalf("%v.Err() = %v, want %v", tt.status, err, tt.want)
		}
		if got := tt.status.String(); got != tt.name {
			t.Fatalf("String = %q, want %q", got, tt.name)
		}
	}

	for _, s := range []Status{Success, 1, 1804} {
		if s.IsError() || s.Err() != nil {
			t.Fatalf("%v reported as error", s)
		}
	}
	if Status(-4).Err() == nil {
		t.Fatalf("unassigned negative status has no error")
	}
}

func TestFunctionIDNames(t *testing.T) {
	if got := FnEventCompleteAndResume.String(); got != "SDEI_EVENT_COMPLETE_AND_RESUME" {
		t.Fatalf("String = %q", got)
	}
	if FnSharedReset != 0xC4000032 {
		t.Fatalf("FnSharedReset = %#x", uint32(FnSharedReset))
	}
	fid, err := ParseFunctionID("EVENT_REGISTER")
	if err != nil || fid != FnEventRegister {
		t.Fatalf("ParseFunctionID = %v, %v", fid, err)
	}
	if _, err := ParseFunctionID("EVENT_FROB"); err == nil {
		t.Fatalf("ParseFunctionID accepted an unknown name")
	}
}

func TestPlatformRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.yaml")
	want := DefaultPlatform()
	want.StormThreshold = 16

	if err := WritePlatform(path, want); err != nil {
		t.Fatalf("WritePlatform: %v", err)
	}
	got, err := LoadPlatform(path)
	if err != nil {
		t.Fatalf("LoadPlatform: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("platform mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePlatformDefaults(t *testing.T) {
	p, err := ParsePlatform([]byte(`
name: tiny
private:
  - event: 0
    interrupt: 8
    signalable: true
shared:
  - event: 10
    dynamic: true
`))
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	if p.Cores != 4 || p.ClientEL != 2 || p.SPIs != 64 {
		t.Fatalf("defaults = %d cores, EL%d, %d SPIs", p.Cores, p.ClientEL, p.SPIs)
	}
	table, err := p.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if m := table.Find(10); m == nil || !m.Dynamic() {
		t.Fatalf("Find(10) = %v", m)
	}

	if _, err := ParsePlatform([]byte("cores: -1\n")); err == nil {
		t.Fatalf("negative core count accepted")
	}
}
