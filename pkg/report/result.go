// Package report turns scenario results into text, CSV or JSON and keeps
// them in object storage or the local run history.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Field is one named value of a result. Fields keep the order scenarios add
// them in.
type Field struct {
	Name  string
	Value interface{}
}

type Fields []Field

func (fs Fields) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (fs *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected an object")
	}
	out := Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		out = append(out, Field{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*fs = out
	return nil
}

// Series is a table of samples, e.g. one row per polling interval.
type Series struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Result is what a scenario run produced.
type Result struct {
	Scenario string    `json:"scenario"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Fields   Fields    `json:"fields"`
	Series   *Series   `json:"series,omitempty"`
}

func New(scenario string, started time.Time) *Result {
	return &Result{Scenario: scenario, Started: started, Fields: Fields{}}
}

// Add appends a field, a second Add with the same name replaces the value
// in place.
func (r *Result) Add(name string, value interface{}) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

func (r *Result) Get(name string) (interface{}, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Columns starts the series with the given header.
func (r *Result) Columns(names ...string) {
	r.Series = &Series{Columns: names}
}

// Row appends one sample to the series.
func (r *Result) Row(values ...interface{}) error {
	if r.Series == nil {
		return fmt.Errorf("report: row before columns")
	}
	if len(values) != len(r.Series.Columns) {
		return fmt.Errorf("report: row has %d values for %d columns", len(values), len(r.Series.Columns))
	}
	r.Series.Rows = append(r.Series.Rows, values)
	return nil
}

// Finish stamps the end of the run.
func (r *Result) Finish(at time.Time) *Result {
	r.Finished = at
	return r
}

func (r *Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
