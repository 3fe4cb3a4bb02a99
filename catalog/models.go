package catalog

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"storagejanitor/docstore"
)

// FileRecord is one catalogued file, keyed by its absolute cleaned path.
type FileRecord struct {
	Path      string     `json:"path"`
	Dirname   string     `json:"dirname"`
	Filename  string     `json:"filename"`
	Ext       string     `json:"ext"`
	Size      int64      `json:"size"`
	MTime     time.Time  `json:"mtime"`
	CTime     time.Time  `json:"ctime"`
	BirthTime *time.Time `json:"birth_time,omitempty"`
	// FileID identifies the underlying inode; hard links share it.
	FileID    string    `json:"file_id,omitempty"`
	MIME      string    `json:"mime,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	ScanID    string    `json:"scan_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HashAlgorithm returns the algorithm prefix of Hash ("sha256" for
// "sha256:ab12..."), or "" when the record is unhashed.
func (r FileRecord) HashAlgorithm() string {
	algo, _, ok := strings.Cut(r.Hash, ":")
	if !ok {
		return ""
	}
	return algo
}

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	// JobStopped is informational: it marks a job cancelled with Stop.
	JobStopped JobStatus = "stopped"
)

type ScanCounts struct {
	FilesSeen int64 `json:"files_seen"`
	Upserts   int64 `json:"upserts"`
	Errors    int64 `json:"errors"`
	Skipped   int64 `json:"skipped"`
	Pruned    int64 `json:"pruned"`
}

type ScanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// DiskUsage describes the filesystem holding one scan root.
type DiskUsage struct {
	Root        string  `json:"root"`
	Fstype      string  `json:"fstype,omitempty"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type ScanJob struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Status     JobStatus   `json:"status"`
	Roots      []string    `json:"roots"`
	Extensions []string    `json:"extensions"`
	Hash       bool        `json:"hash"`
	Prune      bool        `json:"prune"`
	Counts     ScanCounts  `json:"counts"`
	Errors     []ScanError `json:"errors"`
	Storage    []DiskUsage `json:"storage,omitempty"`
}

type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "pending"
	DeletionCompleted DeletionStatus = "completed"
	DeletionFailed    DeletionStatus = "failed"
)

// PendingDeletion is an audit record for one requested removal. Records only
// move forward from pending and are never removed.
type PendingDeletion struct {
	ID        string         `json:"id"`
	FileID    string         `json:"file_id,omitempty"`
	Path      string         `json:"path"`
	Reason    string         `json:"reason,omitempty"`
	Size      int64          `json:"size,omitempty"`
	MarkedAt  time.Time      `json:"marked_at"`
	MarkedBy  string         `json:"marked_by"`
	Status    DeletionStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy string         `json:"deleted_by,omitempty"`
}

// Stamp normalizes a timestamp for storage: UTC at full nanosecond precision
// with the monotonic reading dropped.
func Stamp(t time.Time) time.Time {
	return t.Round(0).UTC()
}

func Now() time.Time {
	return Stamp(time.Now())
}

// storedTime encodes with docstore.TimeLayout so stored timestamps compare as
// text in time order.
type storedTime time.Time

func (s storedTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(s).UTC().Format(docstore.TimeLayout) + `"`), nil
}

// encode leaves HTML characters in paths unescaped.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func storedPtr(t *time.Time) *storedTime {
	if t == nil {
		return nil
	}
	s := storedTime(*t)
	return &s
}

func (r FileRecord) MarshalJSON() ([]byte, error) {
	type plain FileRecord
	return encode(struct {
		plain
		MTime     storedTime  `json:"mtime"`
		CTime     storedTime  `json:"ctime"`
		BirthTime *storedTime `json:"birth_time,omitempty"`
		UpdatedAt storedTime  `json:"updated_at"`
	}{plain(r), storedTime(r.MTime), storedTime(r.CTime), storedPtr(r.BirthTime), storedTime(r.UpdatedAt)})
}

func (j ScanJob) MarshalJSON() ([]byte, error) {
	type plain ScanJob
	return encode(struct {
		plain
		StartedAt  storedTime  `json:"started_at"`
		FinishedAt *storedTime `json:"finished_at,omitempty"`
	}{plain(j), storedTime(j.StartedAt), storedPtr(j.FinishedAt)})
}

func (d PendingDeletion) MarshalJSON() ([]byte, error) {
	type plain PendingDeletion
	return encode(struct {
		plain
		MarkedAt  storedTime  `json:"marked_at"`
		DeletedAt *storedTime `json:"deleted_at,omitempty"`
	}{plain(d), storedTime(d.MarkedAt), storedPtr(d.DeletedAt)})
}
