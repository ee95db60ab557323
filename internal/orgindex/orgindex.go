// Package orgindex is the known-organization index used to anchor extracted
// organization names.
package orgindex

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/funding-intake/internal/textmatch"
)

// Organization is a known funder.
type Organization struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
	Domain  string   `yaml:"domain" json:"domain,omitempty"`
}

// Matcher finds the best known organization for a free-text name.
type Matcher interface {
	FuzzyMatch(name string) (orgID string, score float64)
}

// Index is an immutable in-memory Matcher.
type Index struct {
	orgs []Organization
}

// New builds an index. Organizations without an ID get a slug of their name.
func New(orgs []Organization) *Index {
	cp := make([]Organization, 0, len(orgs))
	for _, o := range orgs {
		if strings.TrimSpace(o.Name) == "" {
			continue
		}
		if o.ID == "" {
			o.ID = slug(o.Name)
		}
		cp = append(cp, o)
	}
	return &Index{orgs: cp}
}

// FromNames builds an index from bare names.
func FromNames(names []string) *Index {
	orgs := make([]Organization, 0, len(names))
	for _, n := range names {
		orgs = append(orgs, Organization{Name: n})
	}
	return New(orgs)
}

type file struct {
	Organizations []Organization `yaml:"organizations"`
}

// LoadFile reads an index from a YAML file of the form
// "organizations: [{id, name, aliases, domain}]".
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "orgindex: read %s", path)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "orgindex: parse %s", path)
	}
	return New(f.Organizations), nil
}

// Len returns the number of organizations in the index.
func (x *Index) Len() int { return len(x.orgs) }

// FuzzyMatch returns the best token-set match across names and aliases.
// An empty orgID means nothing in the index resembles name.
func (x *Index) FuzzyMatch(name string) (string, float64) {
	if strings.TrimSpace(name) == "" {
		return "", 0
	}
	var bestID string
	var best float64
	for _, o := range x.orgs {
		for _, candidate := range append([]string{o.Name}, o.Aliases...) {
			if s := textmatch.TokenSetRatio(name, candidate); s > best {
				best, bestID = s, o.ID
			}
		}
	}
	return bestID, best
}

// Lookup returns the organization with the given ID.
func (x *Index) Lookup(id string) (Organization, bool) {
	for _, o := range x.orgs {
		if o.ID == id {
			return o, true
		}
	}
	return Organization{}, false
}

func slug(s string) string {
	return strings.Join(textmatch.Tokens(s), "-")
}
