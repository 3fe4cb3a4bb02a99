package output

import (
	"io"
	"testing"
	"time"

	"storagejanitor/catalog"
)

func BenchmarkWriteFileRecord(b *testing.B) {
	birth := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	rec := catalog.FileRecord{
		Path:      "/srv/share/reports/q4 & summary.txt",
		Dirname:   "/srv/share/reports",
		Filename:  "q4 & summary.txt",
		Ext:       "txt",
		Size:      12345,
		MTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		BirthTime: &birth,
		FileID:    "801:4d2",
		MIME:      "text/plain",
		Hash:      "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		ScanID:    "5f2d6c1e-7a1b-4d5e-9c3f-1a2b3c4d5e6f",
	}

	for _, format := range []string{"json", "csv"} {
		b.Run(format, func(b *testing.B) {
			w, err := NewWriter(io.Discard, format, "stats")
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := w.WriteRecord(rec); err != nil {
					b.Fatal(err)
				}
			}
			if err := w.Close(); err != nil {
				b.Fatal(err)
			}
		})
	}
}
