package scanner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/h2non/filetype"

	"storagejanitor/catalog"
	"storagejanitor/docstore"
	"storagejanitor/hasher"
	"storagejanitor/utils"
)

// errNotRegular marks a dispatched entry whose target is not a regular file
// (a directory or device behind a symlink, a socket, a fifo).
var errNotRegular = errors.New("not a regular file")

// buildRecord stats path, following symlinks, and assembles its catalog
// record without content-derived fields.
func buildRecord(path, scanID string) (catalog.FileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return catalog.FileRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return catalog.FileRecord{}, errNotRegular
	}

	mtime := catalog.Stamp(info.ModTime())
	ts := statTimes(path, mtime)
	rec := catalog.FileRecord{
		Path:      path,
		Dirname:   filepath.Dir(path),
		Filename:  filepath.Base(path),
		Ext:       utils.Ext(path),
		Size:      info.Size(),
		MTime:     mtime,
		CTime:     ts.change,
		BirthTime: ts.birth,
		FileID:    fileID(path, info),
		ScanID:    scanID,
		UpdatedAt: catalog.Now(),
	}
	return rec, nil
}

func formatFileID(device, index uint64) string {
	return strconv.FormatUint(device, 16) + ":" + strconv.FormatUint(index, 16)
}

// unchanged reports whether prev describes the same file content as rec. A
// path whose file id changed was replaced, even with equal size and mtime.
// An in-place rewrite keeps the file id and may keep the mtime, but it moves
// the change time.
func unchanged(prev, rec catalog.FileRecord) bool {
	if prev.FileID != "" && rec.FileID != "" && prev.FileID != rec.FileID {
		return false
	}
	return prev.Size == rec.Size && prev.MTime.Equal(rec.MTime) && prev.CTime.Equal(rec.CTime)
}

// enrich carries forward, or computes, the hash and MIME type of rec. Values
// from the previous record are kept when the file has not changed, so a scan
// without hashing never erases a digest.
func enrich(ctx context.Context, files docstore.Collection[catalog.FileRecord], rec *catalog.FileRecord, req Request) error {
	prev, err := files.Get(ctx, rec.Path)
	havePrev := err == nil && unchanged(prev, *rec)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if havePrev {
		rec.Hash = prev.Hash
		rec.MIME = prev.MIME
	}
	if !req.Hash {
		return nil
	}
	if rec.MIME == "" {
		mime, err := sniffMIME(rec.Path)
		if err != nil {
			return err
		}
		rec.MIME = mime
	}
	if rec.HashAlgorithm() != req.HashAlgorithm {
		sum, err := hasher.ComputeHash(rec.Path, req.HashAlgorithm)
		if err != nil {
			return err
		}
		rec.Hash = sum
	}
	return nil
}

func sniffMIME(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, 261)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	kind, err := filetype.Match(buf[:n])
	if err != nil {
		return "", err
	}
	if kind == filetype.Unknown || kind.MIME.Value == "" {
		return "application/octet-stream", nil
	}
	return kind.MIME.Value, nil
}
