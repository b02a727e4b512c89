// Package topology loads the declarative boot-time configuration (spec
// section 6 "Topology configuration") and wires it into a device.Topology
// plus the data pipes that connect devices, following the YAML-plus-
// struct-tag convention the rest of the stack's config uses.
package topology

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// LogLevel is one of the five levels spec section 6 names.
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) valid() bool {
	switch l {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Instance describes one NUMA instance's arena split (spec section 6
// "instances[]").
type Instance struct {
	NUMAID   int               `yaml:"numa_id"`
	DPMemory datasize.ByteSize `yaml:"dp_memory"`
	CPMemory datasize.ByteSize `yaml:"cp_memory"`
}

// WorkerSpec is one device's workers[] entry.
type WorkerSpec struct {
	CoreID     int `yaml:"core_id"`
	InstanceID int `yaml:"instance_id"`
	RxQueueLen int `yaml:"rx_queue_len"`
	TxQueueLen int `yaml:"tx_queue_len"`
}

// DeviceSpec is one devices[] entry.
type DeviceSpec struct {
	ID               int          `yaml:"id"`
	PortName         string       `yaml:"port_name"`
	MACAddr          string       `yaml:"mac_addr"`
	MTU              int          `yaml:"mtu"`
	MaxLROPacketSize int          `yaml:"max_lro_packet_size"`
	RSSHash          uint32       `yaml:"rss_hash"`
	Workers          []WorkerSpec `yaml:"workers"`
}

// ConnectionSpec requests a pipe mesh between two devices (spec section
// 6 "connections[]").
type ConnectionSpec struct {
	SrcDeviceID int `yaml:"src_device_id"`
	DstDeviceID int `yaml:"dst_device_id"`
}

// Config is the top-level topology document.
type Config struct {
	Storage      string            `yaml:"storage"`
	DPDKMemory   datasize.ByteSize `yaml:"dpdk_memory"`
	LogLevel     LogLevel          `yaml:"loglevel"`
	Instances    []Instance        `yaml:"instances"`
	Devices      []DeviceSpec      `yaml:"devices"`
	Connections  []ConnectionSpec  `yaml:"connections"`
}

// Load reads and parses a topology document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("topology: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("topology: %q: %w", path, err)
	}
	return &cfg, nil
}

// Validate aggregates every configuration error into one report, rather
// than stopping at the first (spec section 7: "Configuration invalid:
// abort initialization; previous generation retained").
func (c *Config) Validate() error {
	var errs []string

	if c.Storage == "" {
		errs = append(errs, "storage: must not be empty")
	}
	if !c.LogLevel.valid() {
		errs = append(errs, fmt.Sprintf("loglevel: unknown value %q", c.LogLevel))
	}

	seenDevice := make(map[int]bool)
	for _, d := range c.Devices {
		if seenDevice[d.ID] {
			errs = append(errs, fmt.Sprintf("devices: duplicate id %d", d.ID))
		}
		seenDevice[d.ID] = true
		if d.PortName == "" {
			errs = append(errs, fmt.Sprintf("devices[%d]: port_name must not be empty", d.ID))
		}
		if d.MTU <= 0 {
			errs = append(errs, fmt.Sprintf("devices[%d]: mtu must be positive", d.ID))
		}
		if len(d.Workers) == 0 {
			errs = append(errs, fmt.Sprintf("devices[%d]: must have at least one worker", d.ID))
		}
	}

	for _, conn := range c.Connections {
		if !seenDevice[conn.SrcDeviceID] {
			errs = append(errs, fmt.Sprintf("connections: unknown src_device_id %d", conn.SrcDeviceID))
		}
		if !seenDevice[conn.DstDeviceID] {
			errs = append(errs, fmt.Sprintf("connections: unknown dst_device_id %d", conn.DstDeviceID))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("%s", msg)
}
