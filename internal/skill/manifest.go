package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest adjusts one registration without recompiling.
//
//	name: colors
//	disabled: false
//	intent: Ask_Me_Colors
//	answer_intent: Answer_Colors
type Manifest struct {
	Name         string `yaml:"name"`
	Disabled     bool   `yaml:"disabled"`
	Intent       string `yaml:"intent"`
	AnswerIntent string `yaml:"answer_intent"`

	path string
}

func (m Manifest) apply(d Descriptor) Descriptor {
	if m.Intent != "" {
		d.Intent = m.Intent
	}
	if m.AnswerIntent != "" {
		d.AnswerIntent = m.AnswerIntent
	}
	return d
}

// ReadManifests parses every *.yaml and *.yml file in dir. A missing or
// empty dir yields no manifests.
func ReadManifests(dir string) ([]Manifest, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read skills dir: %w", ErrConfig, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	res := make([]Manifest, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		m, err := parseManifest(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
		}
		res = append(res, m)
	}
	return res, nil
}

func parseManifest(path string) (Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}

	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return Manifest{}, err
	}

	m.Name = strings.TrimSpace(m.Name)
	m.Intent = strings.TrimSpace(m.Intent)
	m.AnswerIntent = strings.TrimSpace(m.AnswerIntent)
	m.path = path
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("manifest has no name")
	}
	return m, nil
}
