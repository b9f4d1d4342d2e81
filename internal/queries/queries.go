// Package queries loads named SQL templates from a directory of .sql files.
//
// A file holds any number of blocks. Each block starts with a marker line
// naming the query, either "# name" or "-- name: name", and runs until the
// next marker or the end of the file. Names are case-insensitive.
package queries

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned by Get for unregistered names.
	ErrNotFound = errors.New("query not found")
	// ErrDirNotFound is returned when the templates directory does not exist.
	ErrDirNotFound = errors.New("queries directory not found")
)

var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#\s*(\w+)\s*$`),
	regexp.MustCompile(`^--\s*name:\s*(\w+)\s*$`),
}

// Store maps upper-cased query names to SQL text.
type Store struct {
	queries map[string]string
	sources map[string]string
}

// Load reads every .sql file in dir.
func Load(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirNotFound, dir)
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS reads every .sql file at the root of fsys in directory-listing
// order. A name defined in more than one file keeps the last definition.
func LoadFS(fsys fs.FS) (*Store, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDirNotFound
		}
		return nil, fmt.Errorf("read queries dir: %w", err)
	}
	s := &Store{queries: map[string]string{}, sources: map[string]string{}}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		for name, sql := range Parse(string(data)) {
			s.queries[name] = sql
			s.sources[name] = entry.Name()
		}
	}
	return s, nil
}

// Parse splits file content into named blocks keyed by upper-cased name.
// Text before the first marker is ignored.
func Parse(content string) map[string]string {
	out := map[string]string{}
	var (
		name string
		body []string
	)
	flush := func() {
		if name != "" {
			out[name] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if marker, ok := markerName(line); ok {
			flush()
			name = strings.ToUpper(marker)
			body = body[:0]
			continue
		}
		if name != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

func markerName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, re := range markerPatterns {
		if m := re.FindStringSubmatch(trimmed); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Get returns the SQL registered under name, ignoring case.
func (s *Store) Get(name string) (string, error) {
	sql, ok := s.queries[strings.ToUpper(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, strings.ToUpper(name))
	}
	return sql, nil
}

// Source reports which file supplied name.
func (s *Store) Source(name string) (string, bool) {
	src, ok := s.sources[strings.ToUpper(name)]
	return src, ok
}

// Names returns every registered name, sorted.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.queries))
	for name := range s.queries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports how many queries are registered.
func (s *Store) Len() int {
	return len(s.queries)
}
