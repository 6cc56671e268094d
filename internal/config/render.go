package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RenderDefaultTOML renders a TOML config with defaults from GetConfigOptions.
func RenderDefaultTOML() string {
	var b strings.Builder
	b.WriteString("# conduit configuration (TOML)\n\n")

	top, sections, order := splitSections(GetConfigOptions())
	for _, o := range top {
		b.WriteString(strings.Join(optionLines(o.Key, o.Default, o.Comment), "\n") + "\n")
	}
	for _, section := range order {
		b.WriteString("[" + section + "]\n")
		for _, o := range sections[section] {
			b.WriteString(strings.Join(optionLines(o.Key, o.Default, o.Comment), "\n") + "\n")
		}
	}
	return b.String()
}

// UpdateTOML adds missing defaults to an existing TOML string and comments out
// keys that are no longer part of the schema.
func UpdateTOML(existing string) (string, bool) {
	opts := GetConfigOptions()
	known := make(map[string]bool, len(opts))
	for _, o := range opts {
		known[o.Key] = true
	}

	lines := strings.Split(existing, "\n")
	out := make([]string, 0, len(lines))
	seen := make(map[string]bool)
	// sectionEnd records where each existing table ends so missing keys can
	// be added to it instead of opening a duplicate table.
	sectionEnd := make(map[string]int)
	firstHeader := -1
	section := ""
	changed := false
	for _, line := range lines {
		trim := strings.TrimSpace(line)
		switch {
		case trim == "" || strings.HasPrefix(trim, "#"):
			out = append(out, line)
		case strings.HasPrefix(trim, "[") && strings.HasSuffix(trim, "]"):
			if firstHeader < 0 {
				firstHeader = len(out)
			}
			section = strings.TrimSpace(trim[1 : len(trim)-1])
			out = append(out, line)
		default:
			key, ok := parseTOMLKey(line)
			if !ok {
				out = append(out, line)
				break
			}
			if section != "" {
				key = section + "." + key
			}
			seen[key] = true
			if !known[key] {
				indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
				out = append(out, indent+"# OUTDATED: option removed from config schema", indent+"# "+strings.TrimLeft(line, " \t"))
				changed = true
				break
			}
			out = append(out, line)
		}
		if section != "" {
			sectionEnd[section] = len(out)
		}
	}

	missing := make([]ConfigOption, 0)
	for _, o := range opts {
		if !seen[o.Key] {
			missing = append(missing, o)
		}
	}
	if len(missing) == 0 {
		return strings.Join(out, "\n"), changed
	}

	inserts := make(map[int][]string)
	top, sections, order := splitSections(missing)
	if len(top) > 0 {
		pos := len(out)
		if firstHeader >= 0 {
			pos = firstHeader
		}
		for _, o := range top {
			inserts[pos] = append(inserts[pos], optionLines(o.Key, o.Default, o.Comment)...)
		}
	}
	var fresh []string
	for _, s := range order {
		pos, exists := sectionEnd[s]
		var block []string
		for _, o := range sections[s] {
			block = append(block, optionLines(o.Key, o.Default, o.Comment)...)
		}
		if exists {
			inserts[pos] = append(inserts[pos], block...)
			continue
		}
		fresh = append(fresh, "["+s+"]")
		fresh = append(fresh, block...)
	}

	positions := make([]int, 0, len(inserts))
	for pos := range inserts {
		positions = append(positions, pos)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(positions)))
	for _, pos := range positions {
		block := append([]string{"# Added by config update"}, inserts[pos]...)
		out = append(out[:pos], append(block, out[pos:]...)...)
	}
	if len(fresh) > 0 {
		out = append(out, "", "# Added by config update")
		out = append(out, fresh...)
	}
	return strings.Join(out, "\n"), true
}

// splitSections groups dotted keys by their first segment, keeping the order
// in which sections first appear.
func splitSections(opts []ConfigOption) ([]ConfigOption, map[string][]ConfigOption, []string) {
	var top []ConfigOption
	sections := make(map[string][]ConfigOption)
	var order []string
	for _, o := range opts {
		section, key, ok := strings.Cut(o.Key, ".")
		if !ok {
			top = append(top, o)
			continue
		}
		if _, exists := sections[section]; !exists {
			order = append(order, section)
		}
		sections[section] = append(sections[section], ConfigOption{Key: key, Default: o.Default, Comment: o.Comment})
	}
	return top, sections, order
}

func parseTOMLKey(line string) (string, bool) {
	key, _, ok := strings.Cut(line, "=")
	if !ok {
		return "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key[:1], "[\"'") {
		return "", false
	}
	return key, true
}

func optionLines(key string, value any, comment string) []string {
	var lines []string
	if comment != "" {
		lines = append(lines, "# "+comment)
	}
	return append(lines, fmt.Sprintf("%s = %s", key, tomlValue(value)), "")
}

func tomlValue(value any) string {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v)
	case []string:
		quoted := make([]string, len(v))
		for i, s := range v {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
