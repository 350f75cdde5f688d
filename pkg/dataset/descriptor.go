package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	ColumnWindowStart = "window_start"
	ColumnWindowEnd   = "window_end"
)

var ErrInvalidDescriptor = errors.New("invalid dataset descriptor")

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBool    FieldType = "bool"
	TypeTime    FieldType = "time"
	TypeStrings FieldType = "strings"
	// TypeCountry is an ISO 3166 alpha-2 code. Missing codes are inferred
	// from the field's NamePath.
	TypeCountry FieldType = "country"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBool, TypeTime, TypeStrings, TypeCountry:
		return true
	}
	return false
}

// Field maps one value of a raw API record to one output column.
type Field struct {
	Name string    `yaml:"name" json:"name"`
	Path string    `yaml:"path" json:"path"`
	Type FieldType `yaml:"type" json:"type"`

	Required      bool   `yaml:"required,omitempty" json:"required,omitempty"`
	SkipIfMissing bool   `yaml:"skip_if_missing,omitempty" json:"skip_if_missing,omitempty"`
	Default       string `yaml:"default,omitempty" json:"default,omitempty"`

	// country fields only
	NamePath   string `yaml:"name_path,omitempty" json:"name_path,omitempty"`
	ISO3Column string `yaml:"iso3_column,omitempty" json:"iso3_column,omitempty"`
}

// Descriptor identifies a Radar dataset: the endpoint it is pulled from and
// the schema of the rows it produces.
type Descriptor struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	ResultKey   string            `yaml:"result_key" json:"result_key"`
	Params      map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Fields      []Field           `yaml:"fields" json:"fields"`
}

func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	// the name becomes a file name under the output and checkpoint dirs
	if strings.ContainsAny(d.Name, `/\`) || strings.Contains(d.Name, "..") || d.Name == "." || d.Name != filepath.Base(d.Name) {
		return fmt.Errorf("%w: dataset %q: name must not contain path separators or \"..\"", ErrInvalidDescriptor, d.Name)
	}
	if d.Endpoint == "" {
		return fmt.Errorf("%w: dataset %q: endpoint is required", ErrInvalidDescriptor, d.Name)
	}
	if d.ResultKey == "" {
		return fmt.Errorf("%w: dataset %q: result_key is required", ErrInvalidDescriptor, d.Name)
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("%w: dataset %q: at least one field is required", ErrInvalidDescriptor, d.Name)
	}

	seen := map[string]struct{}{
		ColumnWindowStart: {},
		ColumnWindowEnd:   {},
	}
	claim := func(column string) error {
		if _, ok := seen[column]; ok {
			return fmt.Errorf("%w: dataset %q: duplicate column %q", ErrInvalidDescriptor, d.Name, column)
		}
		seen[column] = struct{}{}
		return nil
	}

	for _, f := range d.Fields {
		if f.Name == "" || f.Path == "" {
			return fmt.Errorf("%w: dataset %q: field name and path are required", ErrInvalidDescriptor, d.Name)
		}
		if !f.Type.valid() {
			return fmt.Errorf("%w: dataset %q: field %q: unsupported type %q", ErrInvalidDescriptor, d.Name, f.Name, f.Type)
		}
		if err := claim(f.Name); err != nil {
			return err
		}
		if f.ISO3Column != "" {
			if f.Type != TypeCountry {
				return fmt.Errorf("%w: dataset %q: field %q: iso3_column requires type country", ErrInvalidDescriptor, d.Name, f.Name)
			}
			if err := claim(f.ISO3Column); err != nil {
				return err
			}
		}
	}
	return nil
}

// Columns returns the header of the dataset's output file.
func (d Descriptor) Columns() []string {
	columns := []string{ColumnWindowStart, ColumnWindowEnd}
	for _, f := range d.Fields {
		columns = append(columns, f.Name)
		if f.ISO3Column != "" {
			columns = append(columns, f.ISO3Column)
		}
	}
	return columns
}
