package modality

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"sitesync/internal/core"
)

// ErrNoMatch is returned when a path does not fit a template.
var ErrNoMatch = errors.New("path does not match pattern")

// Template is a parse-style path pattern such as
// "{patient_id}/Waveforms/{filepath}". The field "filepath" may span
// several segments; every other field matches one segment. Literal text
// matches case-insensitively.
type Template struct {
	raw    string
	fields []string
	re     *regexp.Regexp
}

var fieldRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ParseTemplate compiles raw.
func ParseTemplate(raw string) (*Template, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty path pattern", core.ErrConfig)
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	var fields []string
	seen := make(map[string]bool)
	last := 0
	for _, loc := range fieldRE.FindAllStringSubmatchIndex(raw, -1) {
		b.WriteString(regexp.QuoteMeta(raw[last:loc[0]]))
		name := raw[loc[2]:loc[3]]
		if seen[name] {
			return nil, fmt.Errorf("%w: field {%s} repeated in %q", core.ErrConfig, name, raw)
		}
		seen[name] = true
		fields = append(fields, name)
		if name == "filepath" {
			b.WriteString("(?P<" + name + ">.+)")
		} else {
			b.WriteString("(?P<" + name + ">[^/]+)")
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(raw[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: compiling pattern %q: %v", core.ErrConfig, raw, err)
	}
	return &Template{raw: raw, fields: fields, re: re}, nil
}

func (t *Template) String() string { return t.raw }

// Fields returns the field names in order of appearance.
func (t *Template) Fields() []string { return t.fields }

// Parse extracts the fields of s.
func (t *Template) Parse(s string) (map[string]string, error) {
	m := t.re.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q against %q", ErrNoMatch, s, t.raw)
	}
	out := make(map[string]string, len(t.fields))
	for i, name := range t.re.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out, nil
}

// Format substitutes fields into the template.
func (t *Template) Format(fields map[string]string) (string, error) {
	var missing []string
	out := fieldRE.ReplaceAllStringFunc(t.raw, func(f string) string {
		name := f[1 : len(f)-1]
		v, ok := fields[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: pattern %q needs %s", core.ErrConfig, t.raw, strings.Join(missing, ", "))
	}
	return out, nil
}
