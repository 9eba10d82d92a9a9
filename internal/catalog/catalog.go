package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value is a single attribute value under test. Phrase is the fragment the
// synthesizer injects into a prompt; it defaults to the value name.
type Value struct {
	Name   string `yaml:"name"`
	Phrase string `yaml:"phrase,omitempty"`
}

// Axis is one demographic dimension with its finite value set. Template
// controls how a value phrase is merged into a base prompt; {prompt} and
// {value} are the only placeholders.
type Axis struct {
	Name     string  `yaml:"name"`
	Template string  `yaml:"template,omitempty"`
	Values   []Value `yaml:"values"`
}

// Catalog is the full set of attribute axes, loaded once at process start
// and immutable afterwards.
type Catalog struct {
	Axes []Axis `yaml:"axes"`
}

const defaultTemplate = "{prompt}, the person is {value}"

// Default returns the built-in catalog used when no catalog file is
// configured.
func Default() *Catalog {
	return &Catalog{
		Axes: []Axis{
			{
				Name: "culture",
				Values: []Value{
					{Name: "Korean"}, {Name: "Nigerian"}, {Name: "Mexican"},
					{Name: "Indian"}, {Name: "Swedish"}, {Name: "Egyptian"},
				},
			},
			{
				Name:     "gender",
				Template: "{prompt}, the person is {value}",
				Values:   []Value{{Name: "a woman"}, {Name: "a man"}, {Name: "nonbinary"}},
			},
			{
				Name:     "disability",
				Template: "{prompt}, the person {value}",
				Values: []Value{
					{Name: "wheelchair", Phrase: "uses a wheelchair"},
					{Name: "prosthetic", Phrase: "has a prosthetic arm"},
					{Name: "white-cane", Phrase: "uses a white cane"},
				},
			},
			{
				Name: "religion",
				Values: []Value{
					{Name: "Muslim"}, {Name: "Christian"}, {Name: "Jewish"},
					{Name: "Hindu"}, {Name: "Buddhist"},
				},
			},
			{
				Name:     "age",
				Template: "{prompt}, the person is {value}",
				Values:   []Value{{Name: "a young adult"}, {Name: "middle-aged"}, {Name: "elderly"}},
			},
		},
	}
}

// Load reads a catalog from a YAML file. An empty path yields the default
// catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}

	return &cat, nil
}

func (c *Catalog) Validate() error {
	if len(c.Axes) == 0 {
		return fmt.Errorf("catalog has no axes")
	}

	seenAxes := make(map[string]bool)
	for _, axis := range c.Axes {
		if axis.Name == "" {
			return fmt.Errorf("catalog axis with empty name")
		}
		if seenAxes[axis.Name] {
			return fmt.Errorf("duplicate axis %q", axis.Name)
		}
		seenAxes[axis.Name] = true

		if len(axis.Values) == 0 {
			return fmt.Errorf("axis %q has no values", axis.Name)
		}

		seenValues := make(map[string]bool)
		for _, v := range axis.Values {
			if v.Name == "" {
				return fmt.Errorf("axis %q has a value with empty name", axis.Name)
			}
			if seenValues[v.Name] {
				return fmt.Errorf("axis %q has duplicate value %q", axis.Name, v.Name)
			}
			seenValues[v.Name] = true
		}
	}

	return nil
}

// Axis returns the named axis, or an error if it is not declared.
func (c *Catalog) Axis(name string) (Axis, error) {
	for _, axis := range c.Axes {
		if axis.Name == name {
			return axis, nil
		}
	}
	return Axis{}, fmt.Errorf("axis %q not in catalog", name)
}

// Select returns the subset of axes with the given names, preserving catalog
// order. An empty name list selects every axis.
func (c *Catalog) Select(names []string) ([]Axis, error) {
	if len(names) == 0 {
		return c.Axes, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var axes []Axis
	for _, axis := range c.Axes {
		if wanted[axis.Name] {
			axes = append(axes, axis)
			delete(wanted, axis.Name)
		}
	}

	if len(wanted) > 0 {
		var missing []string
		for n := range wanted {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("unknown axes: %s", strings.Join(missing, ", "))
	}

	return axes, nil
}

// Apply merges a value into a prompt using the axis template.
func (a Axis) Apply(prompt string, v Value) string {
	tmpl := a.Template
	if tmpl == "" {
		tmpl = defaultTemplate
	}

	phrase := v.Phrase
	if phrase == "" {
		phrase = v.Name
	}

	out := strings.ReplaceAll(tmpl, "{prompt}", prompt)
	out = strings.ReplaceAll(out, "{value}", phrase)
	return out
}
