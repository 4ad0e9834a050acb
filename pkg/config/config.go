// Package config loads the controller's fdk_conf.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the controller's startup configuration. CtrlrIPAddr and
// YangJSONHeader are the two fields the original fdk_conf.json names; the
// rest are operational knobs SPEC_FULL.md adds defaults for.
type Config struct {
	CtrlrIPAddr    string            `json:"ctrlr_ip_addr"`
	YangJSONHeader map[string]string `json:"yang_json_header"`

	GreetingPort    int `json:"greeting_port"`
	AllocationPort  int `json:"allocation_port"`
	ShutdownPort    int `json:"shutdown_port"`
	TelemetryPort   int `json:"telemetry_port"`
	MetricsPort     int `json:"metrics_port"`

	TopologyRefreshIntervalSec   float64 `json:"topology_refresh_interval_sec"`
	LinkUtilRefreshIntervalSec   float64 `json:"link_util_refresh_interval_sec"`
	DeferredGreetingIntervalSec  float64 `json:"deferred_greeting_interval_sec"`

	DataplaneMaxRetries  int     `json:"dataplane_max_retries"`
	DataplaneBackoffSec  float64 `json:"dataplane_backoff_sec"`

	OpenLinkCapacityBps int64 `json:"open_link_capacity_bps"`
}

// Defaults returns the configuration used when a field is absent from the
// JSON file, mirroring the fixed ports and intervals named in spec.md §6
// and §4.9.
func Defaults() Config {
	return Config{
		GreetingPort:                65433,
		AllocationPort:              65434,
		ShutdownPort:                65435,
		TelemetryPort:               65432,
		MetricsPort:                 9100,
		TopologyRefreshIntervalSec:  1.0,
		LinkUtilRefreshIntervalSec:  10.0,
		DeferredGreetingIntervalSec: 2.0,
		DataplaneMaxRetries:         30,
		DataplaneBackoffSec:         0.25,
		OpenLinkCapacityBps:         100_000_000,
	}
}

// Load reads and parses the config file at path, overlaying its fields onto
// Defaults(). A missing or malformed file is a ConfigError (spec.md §7) —
// fatal at startup.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}

	// Unmarshal into a shadow struct so zero-valued optional fields in the
	// file don't clobber the defaults above.
	var file struct {
		CtrlrIPAddr                  *string            `json:"ctrlr_ip_addr"`
		YangJSONHeader               map[string]string  `json:"yang_json_header"`
		GreetingPort                 *int               `json:"greeting_port"`
		AllocationPort               *int               `json:"allocation_port"`
		ShutdownPort                 *int               `json:"shutdown_port"`
		TelemetryPort                *int               `json:"telemetry_port"`
		MetricsPort                  *int               `json:"metrics_port"`
		TopologyRefreshIntervalSec   *float64           `json:"topology_refresh_interval_sec"`
		LinkUtilRefreshIntervalSec   *float64           `json:"link_util_refresh_interval_sec"`
		DeferredGreetingIntervalSec  *float64           `json:"deferred_greeting_interval_sec"`
		DataplaneMaxRetries          *int               `json:"dataplane_max_retries"`
		DataplaneBackoffSec          *float64           `json:"dataplane_backoff_sec"`
		OpenLinkCapacityBps          *int64             `json:"open_link_capacity_bps"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}

	if file.CtrlrIPAddr == nil || *file.CtrlrIPAddr == "" {
		return Config{}, &ConfigError{Path: path, Err: fmt.Errorf("missing required field ctrlr_ip_addr")}
	}
	cfg.CtrlrIPAddr = *file.CtrlrIPAddr
	if file.YangJSONHeader != nil {
		cfg.YangJSONHeader = file.YangJSONHeader
	}
	setIntIfPresent(&cfg.GreetingPort, file.GreetingPort)
	setIntIfPresent(&cfg.AllocationPort, file.AllocationPort)
	setIntIfPresent(&cfg.ShutdownPort, file.ShutdownPort)
	setIntIfPresent(&cfg.TelemetryPort, file.TelemetryPort)
	setIntIfPresent(&cfg.MetricsPort, file.MetricsPort)
	setFloatIfPresent(&cfg.TopologyRefreshIntervalSec, file.TopologyRefreshIntervalSec)
	setFloatIfPresent(&cfg.LinkUtilRefreshIntervalSec, file.LinkUtilRefreshIntervalSec)
	setFloatIfPresent(&cfg.DeferredGreetingIntervalSec, file.DeferredGreetingIntervalSec)
	setIntIfPresent(&cfg.DataplaneMaxRetries, file.DataplaneMaxRetries)
	setFloatIfPresent(&cfg.DataplaneBackoffSec, file.DataplaneBackoffSec)
	if file.OpenLinkCapacityBps != nil {
		cfg.OpenLinkCapacityBps = *file.OpenLinkCapacityBps
	}

	return cfg, nil
}

func setIntIfPresent(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloatIfPresent(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

// TopologyRefreshInterval returns the configured poller interval as a Duration.
func (c Config) TopologyRefreshInterval() time.Duration {
	return time.Duration(c.TopologyRefreshIntervalSec * float64(time.Second))
}

// LinkUtilRefreshInterval returns the configured poller interval as a Duration.
func (c Config) LinkUtilRefreshInterval() time.Duration {
	return time.Duration(c.LinkUtilRefreshIntervalSec * float64(time.Second))
}

// DeferredGreetingInterval returns the configured poller interval as a Duration.
func (c Config) DeferredGreetingInterval() time.Duration {
	return time.Duration(c.DeferredGreetingIntervalSec * float64(time.Second))
}

// DataplaneBackoff returns the confirm-by-poll backoff as a Duration.
func (c Config) DataplaneBackoff() time.Duration {
	return time.Duration(c.DataplaneBackoffSec * float64(time.Second))
}

// ConfigError wraps a fatal configuration failure (spec.md §7).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
