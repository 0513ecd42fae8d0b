// Parsing for the share/global configuration blob: entries delimited by
// '<', each a "key = value" pair, mirroring cifsd's export.c option table.
// No third-party config-file library fits this bespoke, protocol-defined
// wire format, so it is hand-parsed with the standard library (see
// DESIGN.md for the stdlib-usage justification).
package share

import (
	"fmt"
	"strconv"
	"strings"
)

// recognized share option keys. Unknown keys are logged by the caller and
// skipped, never rejected outright.
var shareOptionKeys = map[string]bool{
	"sharename": true, "available": true, "browsable": true, "writeable": true,
	"guest ok": true, "guest only": true, "oplocks": true, "max connections": true,
	"comment": true, "allow hosts": true, "hosts allow": true, "deny hosts": true,
	"hosts deny": true, "valid users": true, "invalid users": true, "path": true,
	"read list": true, "read only": true, "write ok": true, "write list": true,
	"store dos attributes": true, "veto files": true,
}

// ParseError reports a failed parse of one key/value pair. Per the component
// contract, a parse error while building a new share rolls that share back
// entirely: the caller must discard the partially-built Share.
type ParseError struct {
	Key   string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("share: parsing %q=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseShareBlob parses one '<'-delimited configuration blob into a Share.
// Unrecognized keys are reported via the unknown callback (for logging) and
// otherwise skipped; a malformed value for a recognized key returns a
// *ParseError and no Share, per the rollback contract.
func ParseShareBlob(blob string, unknown func(key string)) (*Share, error) {
	s := &Share{Available: true, Browsable: true}

	for _, entry := range strings.Split(blob, "<") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, &ParseError{Key: entry, Err: fmt.Errorf("missing '='")}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if !shareOptionKeys[key] {
			if unknown != nil {
				unknown(key)
			}
			continue
		}
		if err := applyShareOption(s, key, value); err != nil {
			return nil, &ParseError{Key: key, Value: value, Err: err}
		}
	}

	if s.Name == "" {
		return nil, &ParseError{Key: "sharename", Err: fmt.Errorf("sharename is required")}
	}
	return s, nil
}

func applyShareOption(s *Share, key, value string) error {
	switch key {
	case "sharename":
		s.Name = value
	case "comment":
		s.Comment = value
	case "path":
		s.Path = value
	case "available":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Available = b
	case "browsable":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Browsable = b
	case "writeable":
		// writeable=mandatory and writeable=enable are both treated as
		// boolean true (spec Open Question, resolved as boolean-only).
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Writeable = b
	case "guest ok":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.GuestOK = b
	case "guest only":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.GuestOnly = b
	case "oplocks":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.Oplocks = b
	case "read only":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.ReadOnly = b
	case "write ok":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.WriteOK = b
	case "store dos attributes":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		s.StoreDOS = b
	case "max connections":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		s.MaxConns = n
	case "allow hosts", "hosts allow":
		s.AllowHosts = splitTokens(value)
	case "deny hosts", "hosts deny":
		s.DenyHosts = splitTokens(value)
	case "valid users":
		s.ValidUsers = splitTokens(value)
	case "invalid users":
		s.InvalidUsers = splitTokens(value)
	case "read list":
		s.ReadList = splitTokens(value)
	case "write list":
		s.WriteList = splitTokens(value)
	case "veto files":
		s.VetoFilters = CompileVetoFilters(value)
	}
	return nil
}

// parseBool accepts the truth table from spec §6: yes/true/enable/1 are
// true; no/false/disable/0 are false; auto, mandatory and "Bad User" are
// accepted as true and "Never" as false, per the boolean-only resolution of
// the writeable Open Question, used uniformly for every boolean option here.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true", "enable", "1", "mandatory", "auto", "bad user":
		return true, nil
	case "no", "false", "disable", "0", "never":
		return false, nil
	default:
		return false, fmt.Errorf("not a recognized boolean: %q", v)
	}
}

// splitTokens splits an access-list value on commas, spaces, and tabs.
func splitTokens(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
