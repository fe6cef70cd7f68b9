// Package config holds the shaperd runtime configuration, loaded through
// viper from /etc/shaperd/shaperd.yaml (or the working directory) with
// SHAPERD_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LazyQueueMode selects how much of a circuit's queue pair is built up
// front versus on first observed traffic.
type LazyQueueMode string

const (
	LazyNo   LazyQueueMode = "No"
	LazyHtb  LazyQueueMode = "Htb"
	LazyFull LazyQueueMode = "Full"
)

// Bridge describes the two-interface deployment: one NIC facing the
// internet, one facing the ISP network.
type Bridge struct {
	ToInternet   string `mapstructure:"to_internet" yaml:"to_internet"`
	ToNetwork    string `mapstructure:"to_network" yaml:"to_network"`
	UseXdpBridge bool   `mapstructure:"use_xdp_bridge" yaml:"use_xdp_bridge"`
}

// SingleInterface describes the on-a-stick deployment where one NIC
// carries both directions on separate VLANs.
type SingleInterface struct {
	Interface    string `mapstructure:"interface" yaml:"interface"`
	InternetVlan uint16 `mapstructure:"internet_vlan" yaml:"internet_vlan"`
	NetworkVlan  uint16 `mapstructure:"network_vlan" yaml:"network_vlan"`
}

// Queues groups the shaping hierarchy options.
type Queues struct {
	DownlinkBandwidthMbps   uint64        `mapstructure:"downlink_bandwidth_mbps" yaml:"downlink_bandwidth_mbps"`
	UplinkBandwidthMbps     uint64        `mapstructure:"uplink_bandwidth_mbps" yaml:"uplink_bandwidth_mbps"`
	DefaultSqm              string        `mapstructure:"default_sqm" yaml:"default_sqm"`
	MonitorOnly             bool          `mapstructure:"monitor_only" yaml:"monitor_only"`
	OverrideAvailableQueues int           `mapstructure:"override_available_queues" yaml:"override_available_queues"`
	LazyQueues              LazyQueueMode `mapstructure:"lazy_queues" yaml:"lazy_queues"`
	LazyExpireSeconds       uint64        `mapstructure:"lazy_expire_seconds" yaml:"lazy_expire_seconds"`
	LazyThresholdBytes      uint64        `mapstructure:"lazy_threshold_bytes" yaml:"lazy_threshold_bytes"`
}

// IPRanges controls which subnets the shaper considers its own.
type IPRanges struct {
	AllowSubnets  []string `mapstructure:"allow_subnets" yaml:"allow_subnets"`
	IgnoreSubnets []string `mapstructure:"ignore_subnets" yaml:"ignore_subnets"`
}

// Flows controls the flow tracker.
type Flows struct {
	FlowTimeoutSeconds uint64 `mapstructure:"flow_timeout_seconds" yaml:"flow_timeout_seconds"`
	NetflowEnabled     bool   `mapstructure:"netflow_enabled" yaml:"netflow_enabled"`
}

// Config is the full shaperd configuration document.
type Config struct {
	Bridge          Bridge          `mapstructure:"bridge" yaml:"bridge"`
	SingleInterface SingleInterface `mapstructure:"single_interface" yaml:"single_interface"`
	Queues          Queues          `mapstructure:"queues" yaml:"queues"`
	IPRanges        IPRanges        `mapstructure:"ip_ranges" yaml:"ip_ranges"`
	Flows           Flows           `mapstructure:"flows" yaml:"flows"`

	NetworkJsonPath    string `mapstructure:"network_json" yaml:"network_json"`
	ShapedDevicesPath  string `mapstructure:"shaped_devices" yaml:"shaped_devices"`
	BusSocketPath      string `mapstructure:"bus_socket" yaml:"bus_socket"`
	WebListen          string `mapstructure:"web_listen" yaml:"web_listen"`
	WebEnabled         bool   `mapstructure:"web_enabled" yaml:"web_enabled"`
	Debug              bool   `mapstructure:"debug" yaml:"debug"`
	EnableCircuitHeatmaps bool `mapstructure:"enable_circuit_heatmaps" yaml:"enable_circuit_heatmaps"`
	EnableSiteHeatmaps    bool `mapstructure:"enable_site_heatmaps" yaml:"enable_site_heatmaps"`
	EnableAsnHeatmaps     bool `mapstructure:"enable_asn_heatmaps" yaml:"enable_asn_heatmaps"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Bridge: Bridge{ToInternet: "eth0", ToNetwork: "eth1"},
		Queues: Queues{
			DownlinkBandwidthMbps: 1000,
			UplinkBandwidthMbps:   1000,
			DefaultSqm:            "cake diffserv4",
			LazyQueues:            LazyNo,
			LazyExpireSeconds:     600,
		},
		Flows:                 Flows{FlowTimeoutSeconds: 30},
		NetworkJsonPath:       "/etc/shaperd/network.json",
		ShapedDevicesPath:     "/etc/shaperd/ShapedDevices.csv",
		BusSocketPath:         "/run/shaperd/bus.sock",
		WebListen:             ":9123",
		WebEnabled:            true,
		EnableCircuitHeatmaps: true,
		EnableSiteHeatmaps:    true,
		EnableAsnHeatmaps:     true,
	}
}

// Load reads the configuration file (if present) and environment
// overrides on top of the defaults.
func Load() (*Config, error) {
	viper.SetConfigName("shaperd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/shaperd/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("SHAPERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg := Default()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the shaping plane cannot act on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Queues.DefaultSqm) == "" {
		return fmt.Errorf("queues.default_sqm must not be empty")
	}
	switch c.Queues.LazyQueues {
	case "", LazyNo, LazyHtb, LazyFull:
	default:
		return fmt.Errorf("queues.lazy_queues must be one of No, Htb, Full (got %q)", c.Queues.LazyQueues)
	}
	if c.Queues.DownlinkBandwidthMbps == 0 || c.Queues.UplinkBandwidthMbps == 0 {
		return fmt.Errorf("queues bandwidth capacities must be nonzero")
	}
	if !c.OnAStick() && (c.Bridge.ToInternet == "" || c.Bridge.ToNetwork == "") {
		return fmt.Errorf("bridge.to_internet and bridge.to_network are required outside single-interface mode")
	}
	return nil
}

// OnAStick reports whether the single-interface deployment is active.
func (c *Config) OnAStick() bool {
	return c.SingleInterface.Interface != ""
}

// InternetInterface is the NIC whose egress carries subscriber uploads.
func (c *Config) InternetInterface() string {
	if c.OnAStick() {
		return c.SingleInterface.Interface
	}
	return c.Bridge.ToInternet
}

// IspInterface is the NIC whose egress carries subscriber downloads.
func (c *Config) IspInterface() string {
	if c.OnAStick() {
		return c.SingleInterface.Interface
	}
	return c.Bridge.ToNetwork
}

// LazyMode normalizes the lazy-queue selector; absent means No.
func (c *Config) LazyMode() LazyQueueMode {
	if c.Queues.LazyQueues == "" {
		return LazyNo
	}
	return c.Queues.LazyQueues
}

// LazyExpire returns the lazy-queue TTL in seconds; 0 disables expiry.
func (c *Config) LazyExpire() uint64 {
	return c.Queues.LazyExpireSeconds
}

// SqmTokens splits queues.default_sqm into tc argument tokens.
func (c *Config) SqmTokens() []string {
	return strings.Fields(c.Queues.DefaultSqm)
}
