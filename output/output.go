// Package output writes the result of one CLI action as JSON or CSV.
//
// JSON output is a single document: a header, a streamed "records" array and
// an optional "summary". CSV output has one row per record, prefixed with the
// record type, and a trailing summary row holding the summary as JSON.
package output

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"storagejanitor/catalog"
	"storagejanitor/dedup"
	"storagejanitor/deletion"
	"storagejanitor/retention"
)

const SchemaVersion = "1.0.0"

type Writer struct {
	out    io.Writer
	file   *os.File
	buf    *bufio.Writer
	csvw   *csv.Writer
	mu     sync.Mutex
	first  bool
	format string
	action string

	summary   interface{}
	csvHeader bool
	records   int
}

// New opens the destination and writes the document header. An empty path or
// "-" writes to stdout.
func New(path, format, action string) (*Writer, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	w := &Writer{first: true, format: format, action: action}
	if path == "" || path == "-" {
		w.out = os.Stdout
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return nil, err
		}
		w.file = f
		w.out = f
	}
	if err := w.open(); err != nil {
		_ = w.closeFile()
		return nil, err
	}
	return w, nil
}

// NewWriter is New for an already open destination.
func NewWriter(out io.Writer, format, action string) (*Writer, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	w := &Writer{out: out, first: true, format: format, action: action}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	w.buf = bufio.NewWriterSize(w.out, 64*1024)
	if w.format == "csv" {
		w.csvw = csv.NewWriter(w.buf)
		return nil
	}
	header := fmt.Sprintf("{\n  \"schema_version\": %q,\n  \"action\": %q,\n  \"generated_at\": %q,\n  \"records\": [",
		SchemaVersion, w.action, time.Now().UTC().Format(time.RFC3339))
	if _, err := w.buf.WriteString(header); err != nil {
		return err
	}
	return w.buf.Flush()
}

// WriteRecord appends one record. Records of one call site should share a
// type so the CSV columns line up.
func (w *Writer) WriteRecord(record interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.format == "csv" {
		header, row := tableRow(record)
		if !w.csvHeader {
			if err := w.csvw.Write(append([]string{"record_type"}, header...)); err != nil {
				return err
			}
			w.csvHeader = true
		}
		if err := w.csvw.Write(append([]string{recordType(record)}, row...)); err != nil {
			return err
		}
		w.records++
		w.csvw.Flush()
		return w.csvw.Error()
	}

	data, err := marshalJSON(record, "    ", "  ")
	if err != nil {
		return err
	}
	if !w.first {
		_, _ = w.buf.WriteString(",")
	}
	_, _ = w.buf.WriteString("\n    ")
	_, _ = w.buf.Write(data)
	w.first = false
	w.records++
	return w.buf.Flush()
}

// SetSummary stores the value written after the records on Close.
func (w *Writer) SetSummary(summary interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summary = summary
}

// Records reports how many records were written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.format == "csv" {
		if w.summary != nil {
			if !w.csvHeader {
				err = w.csvw.Write([]string{"record_type", "summary"})
			}
			if err == nil {
				err = w.csvw.Write([]string{"summary", jsonString(w.summary)})
			}
		}
		w.csvw.Flush()
		if err == nil {
			err = w.csvw.Error()
		}
	} else {
		if !w.first {
			_, _ = w.buf.WriteString("\n  ")
		}
		_, _ = w.buf.WriteString("]")
		if w.summary != nil {
			data, merr := marshalJSON(w.summary, "  ", "  ")
			if merr != nil {
				err = merr
			} else {
				_, _ = w.buf.WriteString(",\n  \"summary\": ")
				_, _ = w.buf.Write(data)
			}
		}
		_, _ = w.buf.WriteString("\n}\n")
	}
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.closeFile(); err == nil {
		err = cerr
	}
	return err
}

// closeFile syncs and closes the output file. Either failure means the
// document on disk may be incomplete.
func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	if err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

func recordType(record interface{}) string {
	switch record.(type) {
	case catalog.FileRecord:
		return "file"
	case catalog.ScanJob:
		return "scan"
	case catalog.ScanError:
		return "scan_error"
	case catalog.ExtensionStats:
		return "extension"
	case catalog.PendingDeletion:
		return "deletion"
	case dedup.Group:
		return "duplicate_group"
	case retention.Plan:
		return "plan"
	case retention.Candidate:
		return "candidate"
	case deletion.ConfirmResult:
		return "confirm"
	}
	return "record"
}

// tableRow flattens the record types the CLI produces. Anything else becomes
// a single JSON column.
func tableRow(record interface{}) ([]string, []string) {
	switch r := record.(type) {
	case catalog.FileRecord:
		return []string{"path", "size", "mtime", "ext", "mime", "hash", "file_id", "scan_id"},
			[]string{r.Path, itoa(r.Size), stamp(r.MTime), r.Ext, r.MIME, r.Hash, r.FileID, r.ScanID}
	case catalog.ScanJob:
		finished := ""
		if r.FinishedAt != nil {
			finished = stamp(*r.FinishedAt)
		}
		return []string{"id", "status", "started_at", "finished_at", "roots", "files_seen", "upserts", "errors", "skipped", "pruned"},
			[]string{r.ID, string(r.Status), stamp(r.StartedAt), finished, strings.Join(r.Roots, ";"),
				itoa(r.Counts.FilesSeen), itoa(r.Counts.Upserts), itoa(r.Counts.Errors), itoa(r.Counts.Skipped), itoa(r.Counts.Pruned)}
	case catalog.ScanError:
		return []string{"path", "error"}, []string{r.Path, r.Error}
	case catalog.ExtensionStats:
		return []string{"ext", "count", "total_size", "max_size"},
			[]string{r.Ext, itoa(r.Count), itoa(r.TotalSize), itoa(r.MaxSize)}
	case catalog.PendingDeletion:
		deleted := ""
		if r.DeletedAt != nil {
			deleted = stamp(*r.DeletedAt)
		}
		return []string{"id", "path", "status", "reason", "size", "marked_at", "marked_by", "deleted_at", "deleted_by", "error"},
			[]string{r.ID, r.Path, string(r.Status), r.Reason, itoa(r.Size), stamp(r.MarkedAt), r.MarkedBy, deleted, r.DeletedBy, r.Error}
	case dedup.Group:
		return []string{"key", "method", "size", "count", "total_size", "wasted_space", "locations"},
			[]string{r.Key, string(r.Method), itoa(r.Size), strconv.Itoa(r.Count), itoa(r.TotalSize), itoa(r.WastedSpace), strings.Join(r.Locations, ";")}
	case retention.Plan:
		deletes := make([]string, len(r.SuggestDelete))
		for i, rec := range r.SuggestDelete {
			deletes[i] = rec.Path
		}
		return []string{"key", "method", "strategy", "keep", "suggest_delete", "potential_savings"},
			[]string{r.Key, string(r.Method), string(r.Strategy), r.Keep.Path, strings.Join(deletes, ";"), itoa(r.PotentialSavings)}
	case retention.Candidate:
		return []string{"path", "size", "mtime", "policy", "reason", "review"},
			[]string{r.File.Path, itoa(r.File.Size), stamp(r.File.MTime), r.Policy, r.Reason, strconv.FormatBool(r.Review)}
	case deletion.ConfirmResult:
		at := ""
		if r.Timestamp != nil {
			at = stamp(*r.Timestamp)
		}
		return []string{"id", "success", "path", "status", "timestamp", "freed", "error"},
			[]string{r.ID, strconv.FormatBool(r.Success), r.Path, string(r.Status), at, itoa(r.Freed), r.Error}
	}
	return []string{"record"}, []string{jsonString(record)}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func jsonString(value interface{}) string {
	if value == nil {
		return ""
	}
	data, err := marshalJSON(value, "", "")
	if err != nil {
		return ""
	}
	return string(data)
}

// marshalJSON leaves HTML characters alone, so paths containing "&", "<" or ">"
// are written as they are on disk.
func marshalJSON(value interface{}, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent(prefix, indent)
	}
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
