package kvm

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	pageSize         = 4096
	maxVCPUCount     = 255
	defaultGuestSize = 1 << 20
)

// ByteSize is a memory size in bytes. In YAML it may be written as a plain
// integer or as a human readable size such as "1MiB" or "512m".
type ByteSize int64

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// Set parses a human readable size, so a ByteSize can back a command line
// flag.
func (b *ByteSize) Set(s string) error {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) Type() string {
	return "size"
}

var binaryUnits = []struct {
	size   int64
	suffix string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

// MarshalYAML writes the largest binary unit that divides b exactly, so the
// value reads back unchanged; other sizes are written as plain integers.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	for _, u := range binaryUnits {
		if b != 0 && int64(b)%u.size == 0 {
			return fmt.Sprintf("%d%s", int64(b)/u.size, u.suffix), nil
		}
	}
	return int64(b), nil
}

// Config sizes a VM and its vCPUs.
type Config struct {
	// GuestMemorySize is the size of the single guest-physical region,
	// mapped at guest-physical address 0. It must be a multiple of the page
	// size.
	GuestMemorySize ByteSize `yaml:"guest_memory_size"`

	// VCPUCount is the number of vCPUs CreateVCPUs creates.
	VCPUCount int `yaml:"vcpu_count"`

	// LoadSegment is the real-mode segment every vCPU starts in. Selectors
	// are set to it and bases to LoadSegment<<4, which must lie inside guest
	// memory. The guest image must sit at LoadSegment<<4; LoadImage always
	// writes at 0, so a nonzero segment needs the image placed through
	// GuestMemory.
	LoadSegment uint16 `yaml:"load_segment"`
}

// DefaultConfig returns a 1 MiB guest with one vCPU starting at segment 0.
func DefaultConfig() Config {
	return Config{
		GuestMemorySize: defaultGuestSize,
		VCPUCount:       1,
	}
}

func (c Config) withDefaults() Config {
	if c.GuestMemorySize == 0 {
		c.GuestMemorySize = defaultGuestSize
	}
	if c.VCPUCount == 0 {
		c.VCPUCount = 1
	}
	return c
}

// Validate checks c after defaults have been applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.GuestMemorySize < 0 || c.GuestMemorySize%pageSize != 0 {
		return fmt.Errorf("%w: guest memory size %d is not a positive multiple of %d", ErrInvalidConfig, c.GuestMemorySize, pageSize)
	}
	if uint64(c.GuestMemorySize) > uint64(^uint(0)>>1) {
		return fmt.Errorf("%w: guest memory size %d exceeds host address limit", ErrInvalidConfig, c.GuestMemorySize)
	}
	if c.VCPUCount < 1 || c.VCPUCount > maxVCPUCount {
		return fmt.Errorf("%w: vcpu count %d out of range 1-%d", ErrInvalidConfig, c.VCPUCount, maxVCPUCount)
	}
	if entry := uint64(c.LoadSegment) << 4; entry >= uint64(c.GuestMemorySize) {
		return fmt.Errorf("%w: load segment %#x starts at %#x, outside %d bytes of guest memory", ErrInvalidConfig, c.LoadSegment, entry, c.GuestMemorySize)
	}
	return nil
}

// ParseConfig decodes a YAML config. Missing fields take their defaults.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and decodes the YAML config at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}
