// Package ociconfig parses the OCI CLI/SDK configuration file format
// (~/.oci/config by convention): INI-style profiles keyed by [name],
// consumed by the config-file and session-token user-identity providers.
package ociconfig

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// Profile is one [name] section of a config file: the raw key/value
// pairs it contained. Values is a map, so the order the pairs appeared
// in is not kept.
type Profile struct {
	Name   string
	Values map[string]string
}

// Get returns a key's value and whether it was present.
func (p Profile) Get(key string) (string, bool) {
	v, ok := p.Values[key]
	return v, ok
}

// Require returns a key's value, or an authfail.IllegalArgument error
// naming the missing key and profile.
func (p Profile) Require(key string) (string, error) {
	v, ok := p.Values[key]
	if !ok || v == "" {
		return "", authfail.New(authfail.IllegalArgument, "profile %q is missing required key %q", p.Name, key)
	}
	return v, nil
}

// File is a parsed configuration file: every profile it declared,
// keyed by section name.
type File struct {
	Profiles map[string]Profile
}

// Profile looks up name, or "DEFAULT" is used by convention when the
// caller did not select one explicitly.
func (f File) Profile(name string) (Profile, error) {
	if name == "" {
		name = "DEFAULT"
	}
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, authfail.New(authfail.IllegalArgument, "no profile named %q in configuration file", name)
	}
	return p, nil
}

// Parse reads an OCI config file: blank lines and lines starting with
// "#" are skipped, a line of the form "[name]" opens a new profile, and
// "key = value" lines (or "key=value", whitespace around both sides is
// trimmed) populate the current profile. A key/value line before any
// section header is an authfail.BadProtocolMessage error.
func Parse(r io.Reader) (File, error) {
	file := File{Profiles: map[string]Profile{}}

	var current *Profile
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			file.Profiles[name] = Profile{Name: name, Values: map[string]string{}}
			p := file.Profiles[name]
			current = &p
			continue
		}

		if current == nil {
			return File{}, authfail.New(authfail.BadProtocolMessage, "line %d: key/value before any [profile] section", lineNo)
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			return File{}, authfail.New(authfail.BadProtocolMessage, "line %d: not a valid key = value line", lineNo)
		}
		current.Values[key] = value
		file.Profiles[current.Name] = *current
	}
	if err := scanner.Err(); err != nil {
		return File{}, authfail.Wrap(authfail.BadProtocolMessage, err, "failed to read configuration file")
	}
	return file, nil
}

// Format renders the file back into the INI shape Parse accepts.
// Sections and keys come out sorted, so formatting loses the original
// ordering and comments but preserves every key/value pair exactly.
func (f File) Format() string {
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[" + name + "]\n")
		p := f.Profiles[name]
		keys := make([]string, 0, len(p.Values))
		for k := range p.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k + " = " + p.Values[k] + "\n")
		}
	}
	return b.String()
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
