// Package logconfig parses the --log-config-file JSON document from
// spec.md §6: a JSON object preceded by two comment conventions and
// ${NAME[:DEFAULT]} variable interpolation resolved against
// --log-config-var values, then defaults.
package logconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Load reads and decodes a log-config document. raw may be the literal
// document text, or ("+" + path) per spec.md §6 in which case the file at
// path is read instead. vars supplies --log-config-var NAME:VALUE
// overrides used to resolve ${NAME[:DEFAULT]} references.
func Load(raw string, vars map[string]string) (map[string]any, error) {
	text := raw
	if strings.HasPrefix(raw, "+") {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("logconfig: read %q: %w", raw[1:], err)
		}
		text = string(b)
	}

	stripped := stripComments(text)
	interpolated, err := interpolate(stripped, vars)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(interpolated), &doc); err != nil {
		return nil, fmt.Errorf("logconfig: invalid JSON: %w", err)
	}
	return doc, nil
}

// stripComments drops whole lines whose first non-whitespace character is
// "#", and strips any "#...#" run elsewhere on a line, per spec.md §6.
func stripComments(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		out = append(out, stripInlineComment(line))
	}
	return strings.Join(out, "\n")
}

func stripInlineComment(line string) string {
	for {
		start := strings.IndexByte(line, '#')
		if start < 0 {
			return line
		}
		end := strings.IndexByte(line[start+1:], '#')
		if end < 0 {
			return line
		}
		line = line[:start] + line[start+1+end+1:]
	}
}

// interpolate resolves every ${NAME[:DEFAULT]} reference in text against
// vars, falling back to the literal default when present. An unresolved
// reference with no default is a fatal error; the variable name must be
// non-empty and contain no whitespace (spec.md §6).
func interpolate(text string, vars map[string]string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], "${")
		if start < 0 {
			out.WriteString(text[i:])
			break
		}
		start += i
		out.WriteString(text[i:start])

		end := strings.IndexByte(text[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("logconfig: unterminated variable reference at offset %d", start)
		}
		end += start

		ref := text[start+2 : end]
		name, def, hasDefault := strings.Cut(ref, ":")
		if name == "" || strings.ContainsAny(name, " \t\r\n") {
			return "", fmt.Errorf("logconfig: invalid variable name %q", name)
		}

		val, ok := vars[name]
		switch {
		case ok:
			out.WriteString(val)
		case hasDefault:
			out.WriteString(def)
		default:
			return "", fmt.Errorf("logconfig: unresolved variable %q with no default", name)
		}

		i = end + 1
	}
	return out.String(), nil
}
