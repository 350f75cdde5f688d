package parquet

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

type Field struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type" json:"type"`
	ConvertedType  string `yaml:"converted_type,omitempty" json:"converted_type,omitempty"`
	RepetitionType string `yaml:"repetition_type,omitempty" json:"repetition_type,omitempty"`
}

type Schema []Field

// SchemaFor derives the parquet schema of a dataset from its descriptor.
// Every column is OPTIONAL since CSV cells may be empty.
func SchemaFor(d dataset.Descriptor) Schema {
	schema := Schema{
		timestampField(dataset.ColumnWindowStart),
		timestampField(dataset.ColumnWindowEnd),
	}
	for _, f := range d.Fields {
		schema = append(schema, fieldFor(f.Name, f.Type))
		if f.ISO3Column != "" {
			schema = append(schema, fieldFor(f.ISO3Column, dataset.TypeString))
		}
	}
	return schema
}

func timestampField(name string) Field {
	return Field{
		Name:           name,
		Type:           "INT64",
		ConvertedType:  "TIMESTAMP_MILLIS",
		RepetitionType: "OPTIONAL",
	}
}

func fieldFor(name string, typ dataset.FieldType) Field {
	switch typ {
	case dataset.TypeTime:
		return timestampField(name)
	case dataset.TypeNumber:
		return Field{Name: name, Type: "DOUBLE", RepetitionType: "OPTIONAL"}
	case dataset.TypeInteger:
		return Field{Name: name, Type: "INT64", RepetitionType: "OPTIONAL"}
	case dataset.TypeBool:
		return Field{Name: name, Type: "BOOLEAN", RepetitionType: "OPTIONAL"}
	}
	return Field{
		Name:           name,
		Type:           "BYTE_ARRAY",
		ConvertedType:  "UTF8",
		RepetitionType: "OPTIONAL",
	}
}

func (s Schema) Columns() []string {
	columns := make([]string, len(s))
	for i, f := range s {
		columns[i] = f.Name
	}
	return columns
}

func (s Schema) ToGoParquetSchema() []string {
	schema := make([]string, len(s))
	for i, field := range s {
		parts := []string{
			fmt.Sprintf("name=%s", field.Name),
			fmt.Sprintf("type=%s", field.Type),
		}
		if field.ConvertedType != "" {
			parts = append(parts, fmt.Sprintf("convertedtype=%s", field.ConvertedType))
		}
		if field.RepetitionType != "" {
			parts = append(parts, fmt.Sprintf("repetitiontype=%s", field.RepetitionType))
		}
		schema[i] = strings.Join(parts, ", ")
	}

	return schema
}

// CSVToParquetRow converts one CSV row into the string form expected by the
// parquet CSV writer. Empty cells of non-string columns become nulls.
func (s Schema) CSVToParquetRow(values []string) ([]*string, error) {
	if len(s) != len(values) {
		return nil, fmt.Errorf(
			"schema and row fields mismatch: schema has %d fields, row has %d fields",
			len(s),
			len(values),
		)
	}

	row := make([]*string, len(s))
	for i, field := range s {
		v := values[i]
		if v == "" && field.Type != "BYTE_ARRAY" {
			row[i] = nil
			continue
		}

		switch {
		case field.ConvertedType == "TIMESTAMP_MILLIS":
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", field.Name, err)
			}
			v = strconv.FormatInt(ts.UnixMilli(), 10)
		case field.Type == "BOOLEAN":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", field.Name, err)
			}
			v = strconv.FormatBool(b)
		}
		row[i] = &v
	}

	return row, nil
}
