package share

import "strings"

// VetoFilterKind classifies one compiled veto-file pattern.
type VetoFilterKind int

const (
	VetoExtension VetoFilterKind = iota // "*.ext"
	VetoWildcard                        // "*X..." (substring match)
	VetoLiteral                         // exact name match
)

// VetoFilter is one compiled entry from a share's veto-file list.
type VetoFilter struct {
	Kind  VetoFilterKind
	Value string // the extension, substring, or literal name to match
}

// CompileVetoFilters parses the raw veto-files list, delimited by '/' with a
// leading and trailing '/' around the whole list (e.g. "/*.tmp/*.bak/"), the
// way cifsd's export.c does. Each non-empty segment becomes one VetoFilter.
func CompileVetoFilters(raw string) []VetoFilter {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return nil
	}
	segments := strings.Split(raw, "/")
	filters := make([]VetoFilter, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		filters = append(filters, compileOne(seg))
	}
	return filters
}

func compileOne(pattern string) VetoFilter {
	switch {
	case strings.HasPrefix(pattern, "*."):
		return VetoFilter{Kind: VetoExtension, Value: strings.TrimPrefix(pattern, "*.")}
	case strings.HasPrefix(pattern, "*"):
		return VetoFilter{Kind: VetoWildcard, Value: strings.TrimPrefix(pattern, "*")}
	default:
		return VetoFilter{Kind: VetoLiteral, Value: pattern}
	}
}

// Matches reports whether name is vetoed by any compiled filter.
func Matches(filters []VetoFilter, name string) bool {
	for _, f := range filters {
		switch f.Kind {
		case VetoExtension:
			if strings.HasSuffix(name, "."+f.Value) {
				return true
			}
		case VetoWildcard:
			if strings.Contains(name, f.Value) {
				return true
			}
		case VetoLiteral:
			if name == f.Value {
				return true
			}
		}
	}
	return false
}
