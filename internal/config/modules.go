package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/taniwha3/rrdpoll/internal/models"
)

// OIDEntry is one metric in a module file or -oids list
type OIDEntry struct {
	OID    string `toml:"oid" yaml:"oid"`
	DSType string `toml:"dstype" yaml:"dstype"`
	Label  string `toml:"label" yaml:"label"` // default: ds<index>
	CDEF   string `toml:"cdef" yaml:"cdef"`   // RPN transform applied when drawing
}

// Module is a named preset of metrics
type Module struct {
	OIDs []OIDEntry `toml:"oids" yaml:"oids"`
}

// LoadModules reads a module file. Files ending in .yaml or .yml are YAML,
// everything else is TOML.
func LoadModules(path string) (map[string]Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("failed to read module file: %w", err)}
	}

	modules := make(map[string]Module)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &modules)
	default:
		err = toml.Unmarshal(data, &modules)
	}
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("failed to parse module file: %w", err)}
	}
	return modules, nil
}

// ParseOIDList parses -oids values. Each value may hold several
// OID:DSTYPE[:TRANSFORM] entries separated by commas. Transforms are
// themselves comma separated, so a piece without a colon continues the
// previous entry's transform: "ifInOctets.1:COUNTER:8,*,sysUpTime.0:GAUGE".
func ParseOIDList(values []string) ([]OIDEntry, error) {
	var entries []OIDEntry
	for _, value := range values {
		for _, piece := range strings.Split(value, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}

			if !strings.Contains(piece, ":") {
				if len(entries) == 0 || entries[len(entries)-1].CDEF == "" {
					return nil, configErrorf("-oids", "entry %q must be OID:DSTYPE[:TRANSFORM]", piece)
				}
				entries[len(entries)-1].CDEF += "," + piece
				continue
			}

			parts := strings.SplitN(piece, ":", 3)
			if parts[0] == "" || parts[1] == "" {
				return nil, configErrorf("-oids", "entry %q must be OID:DSTYPE[:TRANSFORM]", piece)
			}
			entry := OIDEntry{OID: parts[0], DSType: parts[1]}
			if len(parts) == 3 {
				entry.CDEF = parts[2]
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Source names where the metric list comes from. Exactly one of Module
// (with ConfigPath) or OIDs must be set.
type Source struct {
	Target     string
	Credential string
	ConfigPath string
	Module     string
	OIDs       []string
}

// BuildQuerySet resolves a source into a validated query set
func BuildQuerySet(src Source) (models.QuerySet, error) {
	if src.Target == "" {
		return nil, configErrorf("-addr", "device address is required")
	}

	var entries []OIDEntry
	switch {
	case src.Module != "" && len(src.OIDs) > 0:
		return nil, configErrorf("", "can only provide modules or oid list")
	case len(src.OIDs) > 0:
		var err error
		if entries, err = ParseOIDList(src.OIDs); err != nil {
			return nil, err
		}
	case src.Module != "":
		if src.ConfigPath == "" {
			return nil, configErrorf("-config", "a module file is required with -module")
		}
		modules, err := LoadModules(src.ConfigPath)
		if err != nil {
			return nil, err
		}
		mod, ok := modules[src.Module]
		if !ok {
			return nil, configErrorf(src.ConfigPath, "module %q not found", src.Module)
		}
		entries = mod.OIDs
	default:
		return nil, configErrorf("", "one of -module or -oids is required")
	}

	queries := make(models.QuerySet, len(entries))
	for i, e := range entries {
		label := e.Label
		if label == "" {
			label = fmt.Sprintf("ds%d", i)
		}
		queries[i] = models.MetricQuery{
			Target:     src.Target,
			Credential: src.Credential,
			MetricID:   e.OID,
			DSType:     models.DSType(e.DSType),
			Label:      label,
			Transform:  e.CDEF,
		}
	}

	if err := queries.Validate(); err != nil {
		return nil, &ConfigError{Source: src.sourceName(), Err: err}
	}
	return queries, nil
}

func (s Source) sourceName() string {
	if s.Module != "" {
		return fmt.Sprintf("%s[%s]", s.ConfigPath, s.Module)
	}
	return "-oids"
}
