// Package platform assembles interrupt controllers from a YAML description,
// maps them onto a register bus and drives them through scripted scenarios.
package platform

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqchip/internal/aplic"
	"github.com/tinyrange/irqchip/internal/plic"
)

// Config describes one platform and the scenario to run against it.
type Config struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	PLIC  *PLICConfig  `yaml:"plic,omitempty"`
	APLIC *APLICConfig `yaml:"aplic,omitempty"`
	IMSIC *IMSICConfig `yaml:"imsic,omitempty"`

	Scenario []Step `yaml:"scenario"`
}

// PLICConfig places a basic controller on the bus.
type PLICConfig struct {
	Base         Address `yaml:"base"`
	Sources      uint32  `yaml:"sources"`
	Contexts     uint32  `yaml:"contexts"`
	PriorityBits uint    `yaml:"priority_bits"`
}

// APLICConfig describes a domain tree. The first domain is the root.
type APLICConfig struct {
	Sources uint32         `yaml:"sources"`
	Domains []DomainConfig `yaml:"domains"`
	MSI     MSIConfig      `yaml:"msi"`
}

// DomainConfig describes one interrupt domain.
type DomainConfig struct {
	Name      string  `yaml:"name"`
	Parent    string  `yaml:"parent"`
	Level     string  `yaml:"level"`    // machine or supervisor
	Delivery  string  `yaml:"delivery"` // direct or msi
	Base      Address `yaml:"base"`
	BigEndian bool    `yaml:"big_endian"`
	// Enabled sets domaincfg.IE at build time. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// MSIConfig locates the harts' interrupt files.
type MSIConfig struct {
	Machine    MSIFiles `yaml:"machine"`
	Supervisor MSIFiles `yaml:"supervisor"`
	Lock       bool     `yaml:"lock"`
}

// MSIFiles is the geometry of one privilege level's interrupt files. Base is
// the address of hart 0's file and must be 4 KiB aligned. The hart and
// group index widths of the supervisor level come from the machine level.
type MSIFiles struct {
	Base Address `yaml:"base"`
	LHXS uint8   `yaml:"lhxs"`
	LHXW uint8   `yaml:"lhxw"`
	HHXW uint8   `yaml:"hhxw"`
	HHXS uint8   `yaml:"hhxs"`
}

// IMSICConfig maps plain memory where MSIs land, so scenarios can check the
// words written.
type IMSICConfig struct {
	Base Address `yaml:"base"`
	Size Address `yaml:"size"`
}

// Step is one scenario operation. Which fields matter depends on Op.
type Step struct {
	Op       string  `yaml:"op"`
	Device   string  `yaml:"device,omitempty"` // plic or aplic
	Domain   string  `yaml:"domain,omitempty"`
	Source   uint32  `yaml:"source,omitempty"`
	Context  uint32  `yaml:"context,omitempty"`
	Hart     uint32  `yaml:"hart,omitempty"`
	Guest    uint32  `yaml:"guest,omitempty"`
	EIID     uint32  `yaml:"eiid,omitempty"`
	Priority uint32  `yaml:"priority,omitempty"`
	Child    uint32  `yaml:"child,omitempty"`
	Mode     string  `yaml:"mode,omitempty"`
	High     bool    `yaml:"high,omitempty"`
	Expect   *Expect `yaml:"expect,omitempty"`
}

// Expect holds the checks attached to a step.
type Expect struct {
	// Source is the claimed id; 0 means nothing was claimable.
	Source  *uint32  `yaml:"source,omitempty"`
	Pending *bool    `yaml:"pending,omitempty"`
	Level   *bool    `yaml:"level,omitempty"`
	Addr    *Address `yaml:"addr,omitempty"`
	Data    *uint32  `yaml:"data,omitempty"`
}

// Address is a physical address or size. YAML may give it as a number or a
// string in any base strconv understands ("0x0c000000").
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Address.
func (a Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(a)), nil
}

// LoadConfig reads a platform description from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading platform file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a platform description, applies defaults and checks
// it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing platform file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PLIC != nil {
		if c.PLIC.Contexts == 0 {
			c.PLIC.Contexts = 1
		}
		if c.PLIC.PriorityBits == 0 {
			c.PLIC.PriorityBits = 3
		}
	}
	if c.IMSIC != nil && c.IMSIC.Size == 0 {
		c.IMSIC.Size = 0x100000
	}
	if c.APLIC != nil {
		for i := range c.APLIC.Domains {
			d := &c.APLIC.Domains[i]
			if d.Level == "" {
				d.Level = aplic.Machine.String()
			}
			if d.Delivery == "" {
				d.Delivery = aplic.DeliveryDirect.String()
			}
		}
	}
}

// Validate checks the parts of a description that Build cannot report
// clearly on its own.
func (c *Config) Validate() error {
	if c.PLIC == nil && c.APLIC == nil {
		return fmt.Errorf("platform %q: no interrupt controller configured", c.Name)
	}
	if p := c.PLIC; p != nil {
		if p.Sources < 2 || p.Sources > plic.MaxSources {
			return fmt.Errorf("plic: sources %d not in 2..%d", p.Sources, plic.MaxSources)
		}
		if !supportedPriorityBits(p.PriorityBits) {
			return fmt.Errorf("plic: unsupported priority_bits %d", p.PriorityBits)
		}
	}
	if a := c.APLIC; a != nil {
		if len(a.Domains) == 0 {
			return fmt.Errorf("aplic: no domains")
		}
		if a.Domains[0].Parent != "" {
			return fmt.Errorf("aplic: first domain %q must be the root", a.Domains[0].Name)
		}
		seen := make(map[string]bool)
		for i, d := range a.Domains {
			if d.Name == "" {
				return fmt.Errorf("aplic: domain %d has no name", i)
			}
			if seen[d.Name] {
				return fmt.Errorf("aplic: duplicate domain %q", d.Name)
			}
			if i > 0 && !seen[d.Parent] {
				return fmt.Errorf("aplic: domain %q: parent %q must be listed before it", d.Name, d.Parent)
			}
			seen[d.Name] = true
			if _, err := aplic.ParsePrivilegeLevel(d.Level); err != nil {
				return err
			}
			if _, err := parseDelivery(d.Delivery); err != nil {
				return err
			}
		}
		for _, f := range []MSIFiles{a.MSI.Machine, a.MSI.Supervisor} {
			if f.Base&0xfff != 0 {
				return fmt.Errorf("aplic: interrupt file base 0x%x is not 4 KiB aligned", uint64(f.Base))
			}
		}
	}
	for i, s := range c.Scenario {
		if s.Op == "" {
			return fmt.Errorf("scenario step %d: missing op", i)
		}
	}
	return nil
}

func parseDelivery(s string) (aplic.DeliveryMode, error) {
	switch s {
	case "direct":
		return aplic.DeliveryDirect, nil
	case "msi":
		return aplic.DeliveryMSI, nil
	}
	return 0, fmt.Errorf("aplic: unknown delivery mode %q", s)
}
