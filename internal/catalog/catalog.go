// Package catalog holds the control family catalog that scoring and evidence
// collection measure coverage against.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

//go:embed families.yaml
var defaultFamilies []byte

// Family is a two-letter grouping of related controls.
type Family struct {
	Code     string   `yaml:"code" json:"code"`
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Controls []string `yaml:"controls" json:"controls"`
}

// HasControl reports whether controlID belongs to this family's evaluated set.
// Enhancements such as "AC-2(1)" count toward their base control.
func (f Family) HasControl(controlID string) bool {
	base := BaseControl(controlID)
	for _, c := range f.Controls {
		if c == base {
			return true
		}
	}
	return false
}

// Catalog is an immutable, ordered set of families.
type Catalog struct {
	families map[string]Family
	order    []string
}

type catalogFile struct {
	Families []Family `yaml:"families"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded NIST 800-53 catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultFamilies)
		if err != nil {
			panic(fmt.Sprintf("embedded control catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(file.Families) == 0 {
		return nil, fmt.Errorf("catalog defines no families")
	}

	c := &Catalog{families: make(map[string]Family, len(file.Families))}
	for _, f := range file.Families {
		f.Code = strings.ToUpper(strings.TrimSpace(f.Code))
		if len(f.Code) != 2 {
			return nil, fmt.Errorf("family code %q must be two letters", f.Code)
		}
		if _, dup := c.families[f.Code]; dup {
			return nil, fmt.Errorf("family %s defined twice", f.Code)
		}
		for _, ctl := range f.Controls {
			if FamilyOf(ctl) != f.Code {
				return nil, fmt.Errorf("control %s listed under family %s", ctl, f.Code)
			}
		}
		f.Controls = append([]string(nil), f.Controls...)
		c.families[f.Code] = f
		c.order = append(c.order, f.Code)
	}
	return c, nil
}

// Family looks up a family by code. Unknown codes yield a ValidationError
// listing the valid codes.
func (c *Catalog) Family(code string) (Family, error) {
	f, ok := c.families[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Family{}, errs.Invalid("control family", code, "unknown control family", c.Codes()...)
	}
	f.Controls = append([]string(nil), f.Controls...)
	return f, nil
}

// Codes returns family codes in catalog order.
func (c *Catalog) Codes() []string {
	return append([]string(nil), c.order...)
}

// Families returns every family in catalog order.
func (c *Catalog) Families() []Family {
	out := make([]Family, 0, len(c.order))
	for _, code := range c.order {
		f, _ := c.Family(code)
		out = append(out, f)
	}
	return out
}

// Resolve validates a list of family codes, returning them normalized and
// deduplicated in catalog order. An empty list selects every family.
func (c *Catalog) Resolve(codes []string) ([]string, error) {
	if len(codes) == 0 {
		return c.Codes(), nil
	}
	want := make(map[string]bool, len(codes))
	for _, code := range codes {
		f, err := c.Family(code)
		if err != nil {
			return nil, err
		}
		want[f.Code] = true
	}
	var out []string
	for _, code := range c.order {
		if want[code] {
			out = append(out, code)
		}
	}
	return out, nil
}

// Categories returns the distinct risk categories, sorted.
func (c *Catalog) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range c.families {
		if f.Category != "" && !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, f.Category)
		}
	}
	sort.Strings(out)
	return out
}

// FamilyOf returns the family code of a control id ("ac-2(1)" -> "AC").
func FamilyOf(controlID string) string {
	id := strings.ToUpper(strings.TrimSpace(controlID))
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// BaseControl strips an enhancement suffix ("AC-2(1)" -> "AC-2").
func BaseControl(controlID string) string {
	id := strings.ToUpper(strings.TrimSpace(controlID))
	if i := strings.IndexByte(id, '('); i > 0 {
		return strings.TrimSpace(id[:i])
	}
	return id
}
