// Package config implements the configuration contract of spec.md §6: a
// flat set of named values merged from the store's global
// "/calico/v1/config/*" subtree, the per-host
// "/calico/v1/host/{host}/config/*" subtree (per-host wins), and
// "FELIX_<UPPERCASE_NAME>" environment overrides (highest precedence). A
// Config is loaded exactly once at startup and never mutated in place —
// spec.md §9's "no dynamic reconfiguration" means a detected diff on a
// later watcher resync triggers a supervised process exit rather than an
// in-place update (see internal/supervisor).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/projectcalico/felix-agent/internal/logging"
)

// Config is the fully resolved, immutable configuration for one process
// lifetime.
type Config struct {
	Hostname string

	StartupCleanupDelay time.Duration

	// MetadataAddr is "none" (disabled) or a parsed IP, carried as the raw
	// string since §6 never specifies interpretation beyond "IP or none" —
	// consuming it is an external collaborator's concern.
	MetadataAddr string
	MetadataPort int

	// ResyncInterval is the periodic full-resync period; zero disables it.
	ResyncInterval time.Duration

	// InterfacePrefix has no default; Load fails if it is empty after
	// merge, per §6 ("required, no default").
	InterfacePrefix string

	// LogFilePath is "" ("none") to disable file logging.
	LogFilePath    string
	LogSeverityFile   logging.Severity
	LogSeveritySys    logging.Severity
	LogSeverityScreen logging.Severity

	ReportingInterval time.Duration
	ReportingTTL      time.Duration

	IPInIPEnabled bool
}

// defaults mirrors the second column of §6's key table; any key absent
// from both the global and per-host subtrees, and with no environment
// override, falls back to this value.
var defaults = map[string]string{
	"StartupCleanupDelay": "30",
	"MetadataAddr":        "none",
	"MetadataPort":        "2775",
	"ResyncIntervalSecs":  "1800",
	"InterfacePrefix":     "",
	"LogFilePath":         "none",
	"LogSeverityFile":     "info",
	"LogSeveritySys":      "info",
	"LogSeverityScreen":   "info",
	"ReportingIntervalSecs": "30",
	"ReportingTTLSecs":      "90",
	"IpInIpEnabled":         "false",
}

const envPrefix = "FELIX_"

// Load merges global and perHost (each a key→value map of unprefixed
// config-tree leaf names, as read by internal/watcher from the store's
// two config subtrees) with defaults and FELIX_<NAME> environment
// overrides, per-host and then environment each taking precedence over
// what came before (§6).
func Load(global, perHost map[string]string) (*Config, error) {
	merged := make(map[string]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range perHost {
		merged[k] = v
	}
	for name := range merged {
		if v, ok := os.LookupEnv(envPrefix + strings.ToUpper(name)); ok {
			merged[name] = v
		}
	}

	hostname := merged["Hostname"]
	if v, ok := os.LookupEnv(envPrefix + "HOSTNAME"); ok {
		hostname = v
	}
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: resolving hostname: %w", err)
		}
		hostname = h
	}

	cleanupDelay, err := parseSeconds(merged["StartupCleanupDelay"])
	if err != nil {
		return nil, fmt.Errorf("config: StartupCleanupDelay: %w", err)
	}

	metadataAddr := merged["MetadataAddr"]
	if metadataAddr != "none" && metadataAddr != "" {
		if net.ParseIP(metadataAddr) == nil {
			return nil, fmt.Errorf("config: MetadataAddr %q is neither \"none\" nor a valid IP", metadataAddr)
		}
	}

	metadataPort, err := strconv.Atoi(merged["MetadataPort"])
	if err != nil {
		return nil, fmt.Errorf("config: MetadataPort: %w", err)
	}
	if metadataPort < 1 || metadataPort > 65535 {
		return nil, fmt.Errorf("config: MetadataPort %d out of range 1..65535", metadataPort)
	}

	resync, err := parseSeconds(merged["ResyncIntervalSecs"])
	if err != nil {
		return nil, fmt.Errorf("config: ResyncIntervalSecs: %w", err)
	}

	ifacePrefix := merged["InterfacePrefix"]
	if ifacePrefix == "" {
		return nil, fmt.Errorf("config: InterfacePrefix is required and has no default")
	}

	logPath := merged["LogFilePath"]
	if logPath == "none" {
		logPath = ""
	}

	reportingInterval, err := parseSeconds(merged["ReportingIntervalSecs"])
	if err != nil {
		return nil, fmt.Errorf("config: ReportingIntervalSecs: %w", err)
	}
	reportingTTL, err := parseSeconds(merged["ReportingTTLSecs"])
	if err != nil {
		return nil, fmt.Errorf("config: ReportingTTLSecs: %w", err)
	}

	ipInIP, err := strconv.ParseBool(merged["IpInIpEnabled"])
	if err != nil {
		return nil, fmt.Errorf("config: IpInIpEnabled: %w", err)
	}

	return &Config{
		Hostname:             hostname,
		StartupCleanupDelay:  cleanupDelay,
		MetadataAddr:         metadataAddr,
		MetadataPort:         metadataPort,
		ResyncInterval:       resync,
		InterfacePrefix:      ifacePrefix,
		LogFilePath:          logPath,
		LogSeverityFile:      logging.ParseSeverity(merged["LogSeverityFile"]),
		LogSeveritySys:       logging.ParseSeverity(merged["LogSeveritySys"]),
		LogSeverityScreen:    logging.ParseSeverity(merged["LogSeverityScreen"]),
		ReportingInterval:    reportingInterval,
		ReportingTTL:         reportingTTL,
		IPInIPEnabled:        ipInIP,
	}, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %d", n)
	}
	return time.Duration(n) * time.Second, nil
}

// Equal reports whether c and other were loaded from identical merged
// configuration. Used by internal/watcher's LOAD_CONFIG state to detect
// drift across a resync and trigger a supervised exit (spec.md §9: no
// in-place reconfiguration).
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}
