package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/tidwall/gjson"
)

const unknownCountry = "Unknown"

// SchemaError reports a raw record that does not fit its dataset's schema.
type SchemaError struct {
	Dataset string
	Field   string
	Path    string
	Reason  string
	Raw     string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dataset %q: field %q (path %q): %s", e.Dataset, e.Field, e.Path, e.Reason)
}

// Transformer maps raw API records of one dataset onto flat rows. It holds
// no mutable state, so the same input always produces the same row.
type Transformer struct {
	descriptor Descriptor
	columns    []string
}

func NewTransformer(d Descriptor) (*Transformer, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{
		descriptor: d,
		columns:    d.Columns(),
	}, nil
}

func (t *Transformer) Columns() []string {
	return t.columns
}

// Transform converts one raw record. ok is false when the record is
// deliberately skipped (a skip_if_missing field is absent).
func (t *Transformer) Transform(raw RawRecord, w Window) (*Record, bool, error) {
	doc := string(raw)
	if !gjson.Valid(doc) {
		return nil, false, &SchemaError{
			Dataset: t.descriptor.Name,
			Field:   "*",
			Path:    "*",
			Reason:  "record is not valid JSON",
			Raw:     truncate(doc),
		}
	}

	values := make([]string, 0, len(t.columns))
	values = append(values,
		w.Start.UTC().Format(time.RFC3339),
		w.End.UTC().Format(time.RFC3339),
	)

	for _, f := range t.descriptor.Fields {
		res := gjson.Get(doc, f.Path)
		missing := !res.Exists() || res.Type == gjson.Null ||
			(res.Type == gjson.String && res.Str == "")

		if missing && f.SkipIfMissing {
			return nil, false, nil
		}

		var (
			value string
			err   error
		)
		switch {
		case f.Type == TypeCountry:
			var iso3 string
			value, iso3, err = countryValue(doc, f, res, missing)
			if err == nil {
				values = append(values, value)
				if f.ISO3Column != "" {
					values = append(values, iso3)
				}
				continue
			}
		case missing && f.Required:
			err = fmt.Errorf("required value is missing")
		case missing:
			value = f.Default
		default:
			value, err = convert(f.Type, res)
		}

		if err != nil {
			return nil, false, &SchemaError{
				Dataset: t.descriptor.Name,
				Field:   f.Name,
				Path:    f.Path,
				Reason:  err.Error(),
				Raw:     truncate(doc),
			}
		}
		values = append(values, value)
	}

	return NewRecord(t.columns, values), true, nil
}

// TransformAll converts every record of a window, stopping at the first
// schema error.
func (t *Transformer) TransformAll(raws []RawRecord, w Window) ([]*Record, error) {
	records := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		r, ok, err := t.Transform(raw, w)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, r)
		}
	}
	return records, nil
}

// maxExactFloat is the largest magnitude at which every integer is
// representable as a float64.
const maxExactFloat = 1 << 53

// integerValue converts a JSON number to an int64 without going through
// float64 when the literal is a plain integer. Integral literals written
// with a fraction or exponent are accepted only while exact.
func integerValue(raw string, num float64) (string, error) {
	i, err := strconv.ParseInt(raw, 10, 64)
	if err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return "", fmt.Errorf("integer %s overflows int64", raw)
	}
	if num != math.Trunc(num) || math.Abs(num) > maxExactFloat {
		return "", fmt.Errorf("expected integer, got %s", raw)
	}
	return strconv.FormatInt(int64(num), 10), nil
}

func convert(typ FieldType, res gjson.Result) (string, error) {
	switch typ {
	case TypeString:
		switch res.Type {
		case gjson.String:
			return res.Str, nil
		case gjson.Number:
			return strconv.FormatFloat(res.Num, 'f', -1, 64), nil
		}
	case TypeNumber:
		switch res.Type {
		case gjson.Number:
			return strconv.FormatFloat(res.Num, 'f', -1, 64), nil
		case gjson.String:
			f, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return "", fmt.Errorf("expected number, got %q", res.Str)
			}
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
	case TypeInteger:
		switch res.Type {
		case gjson.Number:
			return integerValue(res.Raw, res.Num)
		case gjson.String:
			i, err := strconv.ParseInt(strings.TrimSpace(res.Str), 10, 64)
			if err != nil {
				return "", fmt.Errorf("expected integer, got %q", res.Str)
			}
			return strconv.FormatInt(i, 10), nil
		}
	case TypeBool:
		switch res.Type {
		case gjson.True:
			return "true", nil
		case gjson.False:
			return "false", nil
		case gjson.String:
			b, err := strconv.ParseBool(res.Str)
			if err != nil {
				return "", fmt.Errorf("expected bool, got %q", res.Str)
			}
			return strconv.FormatBool(b), nil
		}
	case TypeTime:
		if res.Type == gjson.String {
			ts, err := time.Parse(time.RFC3339, res.Str)
			if err != nil {
				return "", fmt.Errorf("expected RFC 3339 timestamp, got %q", res.Str)
			}
			return ts.UTC().Format(time.RFC3339), nil
		}
	case TypeStrings:
		if res.IsArray() {
			items := res.Array()
			parts := make([]string, 0, len(items))
			for _, item := range items {
				switch item.Type {
				case gjson.String:
					parts = append(parts, item.Str)
				case gjson.Number:
					parts = append(parts, strconv.FormatFloat(item.Num, 'f', -1, 64))
				default:
					return "", fmt.Errorf("expected array of strings, got element %s", item.Raw)
				}
			}
			return strings.Join(parts, ";"), nil
		}
	}
	return "", fmt.Errorf("expected %s, got %s", typ, describe(res))
}

func countryValue(doc string, f Field, res gjson.Result, missing bool) (string, string, error) {
	if !missing {
		if res.Type != gjson.String {
			return "", "", fmt.Errorf("expected country code, got %s", describe(res))
		}
		code := strings.ToUpper(strings.TrimSpace(res.Str))
		return code, iso3(countries.ByName(code)), nil
	}

	// infer the code from the country name, if the record carries one
	if f.NamePath != "" {
		name := strings.TrimSpace(gjson.Get(doc, f.NamePath).String())
		if name != "" {
			if c := countries.ByName(name); c != countries.Unknown {
				return c.Alpha2(), c.Alpha3(), nil
			}
		}
	}

	if f.Required {
		return "", "", fmt.Errorf("required value is missing")
	}
	if f.Default != "" {
		return f.Default, iso3(countries.ByName(f.Default)), nil
	}
	return unknownCountry, unknownCountry, nil
}

func iso3(c countries.CountryCode) string {
	if c == countries.Unknown {
		return unknownCountry
	}
	return c.Alpha3()
}

func describe(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return fmt.Sprintf("string %q", res.Str)
	case gjson.Number:
		return "number " + res.Raw
	case gjson.True, gjson.False:
		return "bool " + res.Raw
	case gjson.JSON:
		if res.IsArray() {
			return "array"
		}
		return "object"
	}
	return "null"
}

func truncate(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
