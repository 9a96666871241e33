package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rescale/tarfetch/internal/constants"
)

// LoadSelection reads a retry selection file: one target name per line,
// blank lines ignored. A missing file yields a nil selection and no error.
func LoadSelection(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open retry selection: %w", err)
	}
	defer f.Close()

	sel, err := ParseSelection(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read retry selection %s: %w", path, err)
	}
	return sel, nil
}

// ParseSelection returns the non-blank, trimmed lines of r in order.
func ParseSelection(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), constants.ScannerMaxLineSize)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// Resolution is the work set for one run.
type Resolution struct {
	// Targets in dispatch order, at most one per name.
	Targets []Target
	// Unresolved lists selection entries with no manifest URL, in order.
	Unresolved []string
	// FromSelection is true when a non-empty selection drove the work set.
	FromSelection bool
}

// Resolve builds the work set. An empty selection means every manifest
// target in lexicographic order. Otherwise the selected names are kept in
// the order given, paired with their URLs; names missing from the manifest
// are returned in Unresolved and produce no target. A name listed twice is
// dispatched once, since two workers must never write the same file.
func Resolve(m *Manifest, selection []string) Resolution {
	if len(selection) == 0 {
		names := m.Names()
		targets := make([]Target, 0, len(names))
		for _, name := range names {
			targets = append(targets, Target{Name: name, URL: m.urls[name]})
		}
		return Resolution{Targets: targets}
	}

	res := Resolution{FromSelection: true}
	seen := make(map[string]struct{}, len(selection))
	for _, name := range selection {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		url, ok := m.URL(name)
		if !ok {
			res.Unresolved = append(res.Unresolved, name)
			continue
		}
		res.Targets = append(res.Targets, Target{Name: name, URL: url})
	}
	return res
}
