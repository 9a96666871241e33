// Package manifest loads the target→URL manifest and the optional retry
// selection, and resolves them into the ordered work set for a run.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rescale/tarfetch/internal/constants"
)

// Target is one archive to download: its relative destination name and the
// URL it is fetched from.
type Target struct {
	Name string
	URL  string
}

// Reporter is called for every manifest line that is skipped as malformed.
// lineNo is 1-based.
type Reporter func(lineNo int, line string, reason string)

// Manifest maps target names to URLs. It is read-only once loaded.
type Manifest struct {
	urls map[string]string
}

// New builds a manifest from an in-memory mapping.
func New(urls map[string]string) *Manifest {
	m := &Manifest{urls: make(map[string]string, len(urls))}
	for k, v := range urls {
		m.urls[k] = v
	}
	return m
}

// Load reads a manifest file. A missing file is an error.
func Load(path, suffix string, report Reporter) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found: %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f, suffix, report)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse reads "<name>\t<url>" records. Lines with fewer than two fields, or
// whose name would escape the output directory, are reported and skipped.
// Names not ending in suffix are ignored. A repeated name keeps its last URL.
func Parse(r io.Reader, suffix string, report Reporter) (*Manifest, error) {
	if report == nil {
		report = func(int, string, string) {}
	}

	m := &Manifest{urls: make(map[string]string)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), constants.ScannerMaxLineSize)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			report(lineNo, line, "expected <name>\\t<url>")
			continue
		}

		name := strings.TrimSpace(parts[0])
		url := strings.TrimSpace(parts[1])
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			report(lineNo, line, "name is not a relative path inside the output directory")
			continue
		}
		if url == "" {
			report(lineNo, line, "empty url")
			continue
		}
		m.urls[name] = url
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Len returns the number of targets.
func (m *Manifest) Len() int {
	return len(m.urls)
}

// URL looks up the URL for name.
func (m *Manifest) URL(name string) (string, bool) {
	u, ok := m.urls[name]
	return u, ok
}

// Names returns every target name in lexicographic order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.urls))
	for name := range m.urls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
