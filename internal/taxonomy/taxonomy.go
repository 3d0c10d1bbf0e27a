// Package taxonomy compiles the multilingual centroid taxonomy into an
// immutable match index and classifies normalized headline text against it.
package taxonomy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CentroidDef is a static reference centroid declared in the taxonomy file.
type CentroidDef struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	Class       string `yaml:"class"`
	CountryCode string `yaml:"country_code,omitempty"`
}

// Entry is one taxonomy row: a canonical name mapped to centroids, with
// per-language alias lists. Pass 1 holds theater terms (named places, people,
// orgs), pass 2 systemic/topical terms, pass 3 macro catch-alls. Stop-word
// entries veto a headline outright.
type Entry struct {
	Name       string              `yaml:"name"`
	Centroids  []string            `yaml:"centroids,omitempty"`
	Pass       int                 `yaml:"pass,omitempty"`
	IsStopWord bool                `yaml:"is_stop_word,omitempty"`
	Aliases    map[string][]string `yaml:"aliases"`
}

// File is the on-disk taxonomy document.
type File struct {
	Centroids []CentroidDef `yaml:"centroids"`
	Entries   []Entry       `yaml:"entries"`
}

// LoadFile reads and validates the taxonomy document. A missing or empty
// taxonomy is a startup error, not a per-cycle one.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("taxonomy file %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) Validate() error {
	if f == nil || len(f.Entries) == 0 {
		return fmt.Errorf("no taxonomy entries defined")
	}
	if len(f.Centroids) == 0 {
		return fmt.Errorf("no centroids defined")
	}

	known := make(map[string]struct{}, len(f.Centroids))
	for i, c := range f.Centroids {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return fmt.Errorf("centroid %d has empty id", i)
		}
		if c.Class != "geo" && c.Class != "systemic" {
			return fmt.Errorf("centroid %s has unknown class %q", id, c.Class)
		}
		if _, dup := known[id]; dup {
			return fmt.Errorf("duplicate centroid id %s", id)
		}
		known[id] = struct{}{}
	}

	for i, e := range f.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entry %d has empty name", i)
		}
		if len(e.Aliases) == 0 {
			return fmt.Errorf("entry %s has no aliases", e.Name)
		}
		if e.IsStopWord {
			continue
		}
		if len(e.Centroids) == 0 {
			return fmt.Errorf("entry %s maps to no centroids", e.Name)
		}
		for _, id := range e.Centroids {
			if _, ok := known[id]; !ok {
				return fmt.Errorf("entry %s references unknown centroid %s", e.Name, id)
			}
		}
		if e.Pass < 1 || e.Pass > 3 {
			return fmt.Errorf("entry %s has pass %d, want 1..3", e.Name, e.Pass)
		}
	}
	return nil
}

// GeoCentroids returns the ids of all geo-class centroids.
func (f *File) GeoCentroids() map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range f.Centroids {
		if c.Class == "geo" {
			set[c.ID] = struct{}{}
		}
	}
	return set
}
