package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Field is a node of the schema handed to PageSink.Create.
//
// Columns lists the element types of the field's column representation; the
// column at position 0 is the principal column. For a top-level field the
// principal column holds one element per entry.
type Field struct {
	Name      string
	TypeName  string
	Columns   []ElementType
	SubFields []*Field
}

type projection struct {
	name   string
	source string
}

// Model is the schema of an ntuple: a list of top-level fields plus projected
// fields that alias the columns of other fields.
type Model struct {
	description string
	fields      []*Field
	projections []projection
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{}
}

// SetDescription sets a free-form description stored in the header.
func (m *Model) SetDescription(s string) { m.description = s }

// Fields returns the top-level fields.
func (m *Model) Fields() []*Field { return m.fields }

// AddField appends a top-level field.
func (m *Model) AddField(f *Field) error {
	if err := validateField(f); err != nil {
		return err
	}
	if m.hasTopLevel(f.Name) {
		return fmt.Errorf("duplicate field %q", f.Name)
	}
	m.fields = append(m.fields, f)
	return nil
}

// AddProjectedField adds a top-level field named name that reads the columns
// of the field at source, a dotted path such as "jets.pt".
func (m *Model) AddProjectedField(name, source string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if m.hasTopLevel(name) {
		return fmt.Errorf("duplicate field %q", name)
	}
	if m.lookup(source) == nil {
		return fmt.Errorf("projection %q: unknown source field %q", name, source)
	}
	m.projections = append(m.projections, projection{name: name, source: source})
	return nil
}

func (m *Model) hasTopLevel(name string) bool {
	for _, f := range m.fields {
		if f.Name == name {
			return true
		}
	}
	for _, p := range m.projections {
		if p.name == name {
			return true
		}
	}
	return false
}

func (m *Model) lookup(path string) *Field {
	parts := strings.Split(path, ".")
	candidates := m.fields
	var found *Field
	for _, part := range parts {
		found = nil
		for _, f := range candidates {
			if f.Name == part {
				found = f
				break
			}
		}
		if found == nil {
			return nil
		}
		candidates = found.SubFields
	}
	return found
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty field name")
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("field name %q contains '.'", name)
	}
	return nil
}

func validateField(f *Field) error {
	if f == nil {
		return errors.New("nil field")
	}
	if err := validateName(f.Name); err != nil {
		return err
	}
	for i, t := range f.Columns {
		if _, err := CodecFor(t); err != nil {
			return fmt.Errorf("field %q column %d: %w", f.Name, i, err)
		}
	}
	seen := make(map[string]struct{}, len(f.SubFields))
	for _, sub := range f.SubFields {
		if err := validateField(sub); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if _, dup := seen[sub.Name]; dup {
			return fmt.Errorf("field %q: duplicate sub-field %q", f.Name, sub.Name)
		}
		seen[sub.Name] = struct{}{}
	}
	return nil
}
