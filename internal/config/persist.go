package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// InstanceConfigName is the per-instance config file inside the catalog.
const InstanceConfigName = "pg_backup.conf"

// InstanceConfig is the subset of settings persisted per instance by
// add-instance and overridable from the command line afterwards.
type InstanceConfig struct {
	PGData       string
	SystemID     uint64
	Host         string
	Port         int
	User         string
	Database     string
	ExternalDirs []string

	CompressAlg   string
	CompressLevel int

	RetentionRedundancy int
	RetentionWindowDays int
}

// LoadInstanceConfig reads the instance config from instanceDir.
// A missing file is not an error; (nil, nil) is returned.
func LoadInstanceConfig(instanceDir string) (*InstanceConfig, error) {
	path := filepath.Join(instanceDir, InstanceConfigName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read instance config: %w", err)
	}

	ic := &InstanceConfig{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "pgdata":
			ic.PGData = value
		case "system-identifier":
			ic.SystemID, _ = strconv.ParseUint(value, 10, 64)
		case "pghost":
			ic.Host = value
		case "pgport":
			ic.Port, _ = strconv.Atoi(value)
		case "pguser":
			ic.User = value
		case "pgdatabase":
			ic.Database = value
		case "external-dirs":
			if value != "" {
				ic.ExternalDirs = strings.Split(value, string(os.PathListSeparator))
			}
		case "compress-algorithm":
			ic.CompressAlg = value
		case "compress-level":
			ic.CompressLevel, _ = strconv.Atoi(value)
		case "retention-redundancy":
			ic.RetentionRedundancy, _ = strconv.Atoi(value)
		case "retention-window":
			ic.RetentionWindowDays, _ = strconv.Atoi(value)
		}
	}
	return ic, nil
}

// SaveInstanceConfig writes the instance config atomically.
func SaveInstanceConfig(instanceDir string, ic *InstanceConfig) error {
	var b strings.Builder
	kv := map[string]string{
		"pgdata":               ic.PGData,
		"system-identifier":    strconv.FormatUint(ic.SystemID, 10),
		"pghost":               ic.Host,
		"pgport":               strconv.Itoa(ic.Port),
		"pguser":               ic.User,
		"pgdatabase":           ic.Database,
		"external-dirs":        strings.Join(ic.ExternalDirs, string(os.PathListSeparator)),
		"compress-algorithm":   ic.CompressAlg,
		"compress-level":       strconv.Itoa(ic.CompressLevel),
		"retention-redundancy": strconv.Itoa(ic.RetentionRedundancy),
		"retention-window":     strconv.Itoa(ic.RetentionWindowDays),
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("# pg_backup instance configuration\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, kv[k])
	}

	path := filepath.Join(instanceDir, InstanceConfigName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace instance config: %w", err)
	}
	return nil
}

// Apply overlays the persisted instance settings onto cfg for values
// the user did not set on the command line (empty/zero means unset).
func (ic *InstanceConfig) Apply(cfg *Config) {
	if ic == nil {
		return
	}
	if cfg.PGData == "" {
		cfg.PGData = ic.PGData
	}
	if len(cfg.ExternalDirs) == 0 {
		cfg.ExternalDirs = ic.ExternalDirs
	}
	if ic.CompressAlg != "" && cfg.CompressAlg == "none" {
		cfg.CompressAlg = ic.CompressAlg
		if cfg.CompressLevel == 1 && ic.CompressLevel != 0 {
			cfg.CompressLevel = ic.CompressLevel
		}
	}
	if cfg.RetentionRedundancy == 0 {
		cfg.RetentionRedundancy = ic.RetentionRedundancy
	}
	if cfg.RetentionWindowDays == 0 {
		cfg.RetentionWindowDays = ic.RetentionWindowDays
	}
}
