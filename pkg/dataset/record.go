package dataset

// RawRecord is the JSON text of a single record as returned by the API.
type RawRecord string

// Record is a flat row destined for a dataset's output file.
// Field order is critical for CSV output, so names and values are kept in
// parallel slices.
type Record struct {
	fields []string
	values []string
}

func NewRecord(fields []string, values []string) *Record {
	return &Record{
		fields: fields,
		values: values,
	}
}

func (r *Record) Len() int {
	return len(r.fields)
}

func (r *Record) Fields() []string {
	return r.fields
}

func (r *Record) Values() []string {
	return r.values
}

func (r *Record) Get(field string) (string, bool) {
	for i, f := range r.fields {
		if f == field {
			return r.values[i], true
		}
	}
	return "", false
}

func (r *Record) Map() map[string]string {
	m := make(map[string]string, len(r.fields))
	for i, field := range r.fields {
		m[field] = r.values[i]
	}
	return m
}
