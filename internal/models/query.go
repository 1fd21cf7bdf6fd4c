package models

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DSType is the interpretation hint carried through to storage
type DSType string

const (
	DSTypeGauge    DSType = "GAUGE"
	DSTypeCounter  DSType = "COUNTER"
	DSTypeDerive   DSType = "DERIVE"
	DSTypeAbsolute DSType = "ABSOLUTE"
)

// ParseDSType normalizes a dstype string (case-insensitive)
func ParseDSType(s string) (DSType, error) {
	switch DSType(strings.ToUpper(strings.TrimSpace(s))) {
	case DSTypeGauge:
		return DSTypeGauge, nil
	case DSTypeCounter:
		return DSTypeCounter, nil
	case DSTypeDerive:
		return DSTypeDerive, nil
	case DSTypeAbsolute:
		return DSTypeAbsolute, nil
	}
	return "", fmt.Errorf("unknown dstype %q (want GAUGE, COUNTER, DERIVE or ABSOLUTE)", s)
}

// MetricQuery describes one value to fetch from a target endpoint.
// Values are never mutated after the set is validated; workers get copies.
type MetricQuery struct {
	Target     string // host or host:port
	Credential string // SNMP community
	MetricID   string // numeric OID, dot separated
	DSType     DSType
	Label      string // storage column key, unique within a set
	Transform  string // RPN expression for the renderer, may be empty
}

func (q MetricQuery) String() string {
	return fmt.Sprintf("%s@%s(%s)", q.Label, q.Target, q.MetricID)
}

// DefaultPort is the SNMP agent port used when a target names none
const DefaultPort = 161

// SplitTarget accepts "host", "host:port" and "[v6]:port". A bare IPv6
// address is taken as a host.
func SplitTarget(target string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port present
		if strings.ContainsAny(target, "[]") || strings.HasSuffix(target, ":") {
			return "", 0, fmt.Errorf("invalid target %q", target)
		}
		return target, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid target %q: missing host", target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in target %q", target)
	}
	return host, uint16(port), nil
}

// labelPattern matches the data source naming rules of round-robin stores
var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,19}$`)

// wellKnownOIDs maps common MIB-2 object names to their numeric prefix
var wellKnownOIDs = map[string]string{
	"sysUpTime":       "1.3.6.1.2.1.1.3",
	"ifSpeed":         "1.3.6.1.2.1.2.2.1.5",
	"ifInOctets":      "1.3.6.1.2.1.2.2.1.10",
	"ifInErrors":      "1.3.6.1.2.1.2.2.1.14",
	"ifOutOctets":     "1.3.6.1.2.1.2.2.1.16",
	"ifOutErrors":     "1.3.6.1.2.1.2.2.1.20",
	"ifHCInOctets":    "1.3.6.1.2.1.31.1.1.1.6",
	"ifHCOutOctets":   "1.3.6.1.2.1.31.1.1.1.10",
	"hrProcessorLoad": "1.3.6.1.2.1.25.3.3.1.2",
}

// NormalizeOID resolves a well-known name prefix and validates the numeric path.
// "ifInOctets.12" becomes "1.3.6.1.2.1.2.2.1.10.12"; a leading dot is dropped.
func NormalizeOID(oid string) (string, error) {
	oid = strings.TrimPrefix(strings.TrimSpace(oid), ".")
	if oid == "" {
		return "", fmt.Errorf("empty oid")
	}

	name, rest, _ := strings.Cut(oid, ".")
	if prefix, ok := wellKnownOIDs[name]; ok {
		oid = prefix
		if rest != "" {
			oid += "." + rest
		}
	}

	for _, part := range strings.Split(oid, ".") {
		if part == "" {
			return "", fmt.Errorf("invalid oid %q: empty component", oid)
		}
		if _, err := strconv.ParseUint(part, 10, 32); err != nil {
			return "", fmt.Errorf("invalid oid %q: component %q is not numeric", oid, part)
		}
	}
	return oid, nil
}

// QuerySet is an ordered set of queries; order defines row order
type QuerySet []MetricQuery

// Validate checks every query and label uniqueness.
// It normalizes OIDs and dstypes in place, so it must run before the set is shared.
func (s QuerySet) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("no metrics configured")
	}

	seen := make(map[string]int, len(s))
	for i := range s {
		q := &s[i]
		if q.Target == "" {
			return fmt.Errorf("metric %d: target is required", i)
		}
		if _, _, err := SplitTarget(q.Target, DefaultPort); err != nil {
			return fmt.Errorf("metric %d: %w", i, err)
		}
		if !labelPattern.MatchString(q.Label) {
			return fmt.Errorf("metric %d: label %q must be 1-19 characters of [A-Za-z0-9_]", i, q.Label)
		}
		if prev, dup := seen[q.Label]; dup {
			return fmt.Errorf("metric %d: duplicate label %q (already used by metric %d)", i, q.Label, prev)
		}
		seen[q.Label] = i

		oid, err := NormalizeOID(q.MetricID)
		if err != nil {
			return fmt.Errorf("metric %s: %w", q.Label, err)
		}
		q.MetricID = oid

		dst, err := ParseDSType(string(q.DSType))
		if err != nil {
			return fmt.Errorf("metric %s: %w", q.Label, err)
		}
		q.DSType = dst
	}
	return nil
}

// Labels returns the labels in query order
func (s QuerySet) Labels() []string {
	labels := make([]string, len(s))
	for i, q := range s {
		labels[i] = q.Label
	}
	return labels
}

// Columns returns the storage layout for the set
func (s QuerySet) Columns() []Column {
	cols := make([]Column, len(s))
	for i, q := range s {
		cols[i] = Column{Label: q.Label, DSType: q.DSType}
	}
	return cols
}

// SeriesDefs returns the renderer definitions for the set
func (s QuerySet) SeriesDefs() []SeriesDef {
	defs := make([]SeriesDef, len(s))
	for i, q := range s {
		defs[i] = SeriesDef{Label: q.Label, Transform: q.Transform}
	}
	return defs
}

// Column is one data source in the store
type Column struct {
	Label  string
	DSType DSType
}

// SeriesDef tells the renderer which column to draw and how to transform it
type SeriesDef struct {
	Label     string
	Transform string
}
