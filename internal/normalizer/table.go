package normalizer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Format is the on-disk encoding of processed artifacts.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	if f == FormatParquet {
		return ".parquet"
	}
	return ".csv"
}

// Transformation errors.
var (
	// ErrEmptyTable is returned when the source has no header row.
	ErrEmptyTable = errors.New("table has no header row")
	// ErrSink wraps failures writing to the destination, as opposed to failures
	// reading or converting the source table.
	ErrSink = errors.New("table sink write failed")
)

// TableStats describes a transformed table.
type TableStats struct {
	Columns []string
	Rows    int64
}

// Transformer rewrites a delimited table with normalized column names.
type Transformer struct {
	format Format
}

// NewTransformer creates a transformer writing the given format.
func NewTransformer(format Format) *Transformer {
	if format != FormatParquet {
		format = FormatCSV
	}
	return &Transformer{format: format}
}

// Format returns the output format.
func (t *Transformer) Format() Format {
	return t.format
}

// Transform reads a CSV table from src, decodes it to UTF-8, normalizes the
// header row and writes the table to dst. Data rows are copied unchanged.
func (t *Transformer) Transform(src io.Reader, contentType string, dst io.Writer) (*TableStats, error) {
	r := csv.NewReader(DecodeUTF8(src, contentType))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	stats := &TableStats{Columns: NormalizeHeaders(header)}

	sink := &trackingWriter{w: dst}
	tw, err := t.newTableWriter(sink, stats.Columns)
	if err != nil {
		return nil, classify(sink, err)
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = tw.Abort()
			return nil, fmt.Errorf("failed to read row %d: %w", stats.Rows+1, err)
		}
		if err := tw.WriteRow(rec); err != nil {
			_ = tw.Abort()
			return nil, classify(sink, err)
		}
		stats.Rows++
	}

	if err := tw.Close(); err != nil {
		return nil, classify(sink, err)
	}

	return stats, nil
}

// DecodeUTF8 converts src to UTF-8. A byte order mark wins; otherwise the
// charset parameter of contentType selects the decoder. Without either the
// bytes are passed through as UTF-8. Content is never sniffed.
func DecodeUTF8(src io.Reader, contentType string) io.Reader {
	fallback := encoding.Nop
	if label := charsetParam(contentType); label != "" {
		if enc, _ := charset.Lookup(label); enc != nil {
			fallback = enc
		}
	}
	return transform.NewReader(src, unicode.BOMOverride(fallback.NewDecoder()))
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil && params == nil {
		return ""
	}
	return params["charset"]
}

func (t *Transformer) newTableWriter(w io.Writer, columns []string) (tableWriter, error) {
	if t.format == FormatParquet {
		return newParquetTableWriter(w, columns)
	}
	return newCSVTableWriter(w, columns)
}

// classify marks err as a sink failure when the destination rejected a write.
func classify(sink *trackingWriter, err error) error {
	if sink.err != nil {
		return fmt.Errorf("%w: %v", ErrSink, sink.err)
	}
	return err
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil && tw.err == nil {
		tw.err = err
	}
	return n, err
}

type tableWriter interface {
	WriteRow(record []string) error
	Close() error
	Abort() error
}

type csvTableWriter struct {
	w *csv.Writer
}

func newCSVTableWriter(w io.Writer, columns []string) (*csvTableWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return nil, err
	}
	return &csvTableWriter{w: cw}, nil
}

func (c *csvTableWriter) WriteRow(record []string) error {
	return c.w.Write(record)
}

func (c *csvTableWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

func (c *csvTableWriter) Abort() error { return nil }

type parquetTableWriter struct {
	pf      source.ParquetFile
	pw      *writer.JSONWriter
	columns []string
	row     map[string]*string
}

func newParquetTableWriter(w io.Writer, columns []string) (*parquetTableWriter, error) {
	fields := parquetFieldNames(columns)

	pf := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(buildParquetSchema(fields), pf, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &parquetTableWriter{
		pf:      pf,
		pw:      pw,
		columns: fields,
		row:     make(map[string]*string, len(fields)),
	}, nil
}

func (p *parquetTableWriter) WriteRow(record []string) error {
	for i, name := range p.columns {
		if i < len(record) {
			v := record[i]
			p.row[name] = &v
		} else {
			p.row[name] = nil
		}
	}
	line, err := json.Marshal(p.row)
	if err != nil {
		return err
	}
	return p.pw.Write(string(line))
}

func (p *parquetTableWriter) Close() error {
	if err := p.pw.WriteStop(); err != nil {
		_ = p.pf.Close()
		return err
	}
	return p.pf.Close()
}

func (p *parquetTableWriter) Abort() error {
	return p.pf.Close()
}

// parquetFieldNames makes normalized headers usable as parquet column names:
// empty names become column_N and repeats get a numeric suffix.
func parquetFieldNames(columns []string) []string {
	used := make(map[string]bool, len(columns))
	out := make([]string, len(columns))
	for i, c := range columns {
		base := c
		if base == "" {
			base = "column_" + strconv.Itoa(i+1)
		}
		name := base
		for n := 2; used[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func buildParquetSchema(fields []string) string {
	defs := make([]map[string]string, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", f),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": defs,
	}
	b, _ := json.Marshal(out)
	return string(b)
}
