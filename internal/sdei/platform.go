package sdei

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Platform describes the cores, interrupt controller and event table of a
// machine running the service.
type Platform struct {
	Name string `yaml:"name,omitempty"`

	Cores    int   `yaml:"cores"`
	ClientEL uint8 `yaml:"clientEL"`
	SPIs     int   `yaml:"spis"`

	StormThreshold int `yaml:"stormThreshold,omitempty"`

	Private []EventSpec `yaml:"private"`
	Shared  []EventSpec `yaml:"shared"`
}

// EventSpec declares one event map. Dynamic events leave Interrupt unset.
type EventSpec struct {
	Event      int32  `yaml:"event"`
	Interrupt  uint32 `yaml:"interrupt,omitempty"`
	Dynamic    bool   `yaml:"dynamic,omitempty"`
	Signalable bool   `yaml:"signalable,omitempty"`
	Critical   bool   `yaml:"critical,omitempty"`
}

func (e EventSpec) flags() MapFlags {
	var f MapFlags
	if e.Dynamic {
		f |= MapDynamic
	}
	if e.Signalable {
		f |= MapSignalable
	}
	if e.Critical {
		f |= MapCritical
	}
	return f
}

// Normalize fills in defaults for unset sizes.
func (p *Platform) Normalize() {
	if p.Cores == 0 {
		p.Cores = 4
	}
	if p.ClientEL == 0 {
		p.ClientEL = 2
	}
	if p.SPIs == 0 {
		p.SPIs = 64
	}
}

// DefaultPlatform returns the reference platform: four cores, a client at
// EL2 and the FVP event table.
func DefaultPlatform() Platform {
	p := Platform{
		Name: "fvp",
		Private: []EventSpec{
			{Event: 0, Interrupt: 8, Signalable: true},
			{Event: 8, Interrupt: 23},
			{Event: 100, Dynamic: true},
			{Event: 101, Dynamic: true},
		},
		Shared: []EventSpec{
			{Event: 804, Dynamic: true},
			{Event: 1804, Interrupt: 35},
			{Event: 3000, Dynamic: true},
			{Event: 3001, Dynamic: true},
		},
	}
	p.Normalize()
	return p
}

// Table validates the event declarations and builds the event table.
func (p Platform) Table() (*Table, error) {
	b := NewTableBuilder()
	for _, e := range p.Private {
		if err := b.AddPrivate(e.Event, e.Interrupt, e.flags()); err != nil {
			return nil, fmt.Errorf("platform %q: %w", p.Name, err)
		}
	}
	for _, e := range p.Shared {
		if err := b.AddShared(e.Event, e.Interrupt, e.flags()); err != nil {
			return nil, fmt.Errorf("platform %q: %w", p.Name, err)
		}
	}
	return b.Build()
}

// ParsePlatform decodes a platform description.
func ParsePlatform(data []byte) (Platform, error) {
	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Platform{}, fmt.Errorf("parse platform: %w", err)
	}
	p.Normalize()
	if p.Cores < 0 || p.SPIs < 0 || p.StormThreshold < 0 {
		return Platform{}, fmt.Errorf("platform %q: negative sizes", p.Name)
	}
	return p, nil
}

// LoadPlatform reads a platform description from path.
func LoadPlatform(path string) (Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Platform{}, fmt.Errorf("read platform: %w", err)
	}
	return ParsePlatform(data)
}

// WritePlatform writes p to path as YAML.
func WritePlatform(path string, p Platform) error {
	p.Normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode platform: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
