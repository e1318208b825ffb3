package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Format string

const (
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown report format %q (text, csv, json)", s)
}

// Ext is the file extension of the format.
func (f Format) Ext() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// Write renders r in format f.
func Write(w io.Writer, r *Result, f Format) error {
	switch f {
	case FormatText, "":
		return writeText(w, r)
	case FormatCSV:
		return writeCSV(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return fmt.Errorf("unknown report format %q", f)
}

// WriteFile renders r into path, creating parent directories.
func WriteFile(path string, r *Result, f Format) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(out, r, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var printer = message.NewPrinter(language.English)

// FormatValue renders one value for text output: integers get thousands
// separators, floats two decimals.
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case time.Duration:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return printer.Sprintf("%d", x)
	case float32, float64:
		return printer.Sprintf("%.2f", x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return printer.Sprintf("%d", i)
		}
		if f, err := x.Float64(); err == nil {
			return printer.Sprintf("%.2f", f)
		}
		return x.String()
	case []string:
		return strings.Join(x, ", ")
	}
	return fmt.Sprint(v)
}

func writeText(w io.Writer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scenario\t%s\n", r.Scenario)
	if !r.Finished.IsZero() {
		fmt.Fprintf(tw, "duration\t%s\n", r.Duration().Round(time.Millisecond))
	}
	for _, f := range r.Fields {
		fmt.Fprintf(tw, "%s\t%s\n", f.Name, FormatValue(f.Value))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Series == nil || len(r.Series.Rows) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, strings.Join(r.Series.Columns, "\t")+"\t")
	for _, row := range r.Series.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = FormatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t")+"\t")
	}
	return tw.Flush()
}

// writeCSV writes the series when there is one, otherwise a header of
// field names and a single row of values.
func writeCSV(w io.Writer, r *Result) error {
	cw := csv.NewWriter(w)
	if r.Series != nil {
		if err := cw.Write(r.Series.Columns); err != nil {
			return err
		}
		for _, row := range r.Series.Rows {
			if err := cw.Write(csvRow(row)); err != nil {
				return err
			}
		}
	} else {
		names := make([]string, len(r.Fields))
		values := make([]interface{}, len(r.Fields))
		for i, f := range r.Fields {
			names[i], values[i] = f.Name, f.Value
		}
		if err := cw.Write(names); err != nil {
			return err
		}
		if err := cw.Write(csvRow(values)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
		case time.Duration:
			out[i] = fmt.Sprint(x.Nanoseconds())
		case time.Time:
			out[i] = x.Format(time.RFC3339Nano)
		case float32, float64:
			out[i] = fmt.Sprintf("%g", x)
		default:
			out[i] = fmt.Sprint(x)
		}
	}
	return out
}
