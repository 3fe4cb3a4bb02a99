package deletion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/dedup"
	"storagejanitor/docstore"
	"storagejanitor/logger"
	"storagejanitor/retention"
)

func init() {
	logger.Init("error")
}

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	cat *catalog.Catalog
	fs  billy.Filesystem
	svc *Service
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()
	f := &fixture{cat: catalog.NewMemory(), fs: memfs.New()}
	f.svc = NewService(Options{
		Catalog:      f.cat,
		FS:           f.fs,
		AllowedRoots: allowed,
		Now:          func() time.Time { return fixedNow },
	})
	return f
}

func (f *fixture) addFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, util.WriteFile(f.fs, path, []byte(content), 0o644))
	rec := catalog.FileRecord{Path: path, Size: int64(len(content)), FileID: "inode-" + path}
	require.NoError(t, f.cat.Files.Upsert(context.Background(), path, rec))
}

func (f *fixture) mark(t *testing.T, path string) string {
	t.Helper()
	res, err := f.svc.Mark(context.Background(), "alice", []MarkRequest{{Path: path, Reason: "cleanup"}})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	return res.IDs[0]
}

func TestMark(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/a.txt", "hello")

	res, err := f.svc.Mark(context.Background(), "alice", []MarkRequest{
		{Path: "/data/a.txt", Reason: "dup"},
		{Path: "/data/../data/unknown.bin", FileID: "given"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.InsertedCount)
	require.Len(t, res.IDs, 2)

	first, err := f.svc.Get(context.Background(), res.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, catalog.DeletionPending, first.Status)
	assert.Equal(t, int64(5), first.Size)
	assert.Equal(t, "inode-/data/a.txt", first.FileID)
	assert.Equal(t, "alice", first.MarkedBy)
	assert.True(t, first.MarkedAt.Equal(fixedNow))

	second, err := f.svc.Get(context.Background(), res.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, "/data/unknown.bin", second.Path)
	assert.Equal(t, "given", second.FileID)

	_, statErr := f.fs.Stat("/data/a.txt")
	assert.NoError(t, statErr, "marking must not touch the disk")
}

func TestMarkValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Mark(context.Background(), "alice", nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.Mark(context.Background(), "alice", []MarkRequest{{Path: "/ok"}, {Path: " "}})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.Mark(context.Background(), "", []MarkRequest{{Path: "/ok"}})
	assert.True(t, apperr.IsValidation(err))

	n, err := f.cat.Deletions.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfirmGate(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/a.txt", "hello")
	id := f.mark(t, "/data/a.txt")

	for _, v := range []interface{}{nil, false, "true", 1, 1.0, []bool{true}} {
		_, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: v})
		assert.True(t, apperr.IsValidation(err), "confirm=%#v", v)
	}

	rec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, catalog.DeletionPending, rec.Status)
	_, err = f.fs.Stat("/data/a.txt")
	assert.NoError(t, err)
}

func TestConfirmDeletesOnce(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/a.txt", "hello")
	id := f.mark(t, "/data/a.txt")

	res, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, catalog.DeletionCompleted, res.Status)
	assert.True(t, res.Success)
	require.NotNil(t, res.Timestamp)
	assert.True(t, res.Timestamp.Equal(fixedNow))
	assert.Equal(t, int64(5), res.Freed)

	_, err = f.fs.Stat("/data/a.txt")
	assert.Error(t, err)
	_, err = f.cat.Files.Get(context.Background(), "/data/a.txt")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	rec, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, catalog.DeletionCompleted, rec.Status)
	assert.Equal(t, "bob", rec.DeletedBy)
	require.NotNil(t, rec.DeletedAt)

	_, err = f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
	assert.True(t, apperr.IsNotFound(err))
}

func TestConfirmConcurrentAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/a.txt", "hello")
	id := f.mark(t, "/data/a.txt")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
		}(i)
	}
	wg.Wait()

	var ok, notFound int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case apperr.IsNotFound(err):
			notFound++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, notFound)
}

func TestConfirmUnknownID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: "missing", Confirm: true})
	assert.True(t, apperr.IsNotFound(err))
}

func TestConfirmAlreadyAbsentCompletes(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/gone.txt", "x")
	id := f.mark(t, "/data/gone.txt")
	require.NoError(t, f.fs.Remove("/data/gone.txt"))

	res, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, catalog.DeletionCompleted, res.Status)
	assert.Zero(t, res.Freed)
	_, err = f.cat.Files.Get(context.Background(), "/data/gone.txt")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestConfirmBlockedBySafetyPolicy(t *testing.T) {
	f := newFixture(t, "/data")
	f.addFile(t, "/etc/passwd", "root:x")
	f.addFile(t, "/other/file.txt", "x")

	for _, path := range []string{"/etc/passwd", "/other/file.txt", "/home"} {
		id := f.mark(t, path)
		res, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})

		var failure *FailureError
		require.True(t, errors.As(err, &failure), "path %s: %v", path, err)
		assert.True(t, failure.Blocked)
		assert.Equal(t, catalog.DeletionFailed, res.Status)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "safety policy")

		rec, err := f.svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, catalog.DeletionFailed, rec.Status)
		assert.NotEmpty(t, rec.Error)

		_, err = f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
		assert.True(t, apperr.IsNotFound(err), "failed records are never retried")
	}

	_, err := f.fs.Stat("/etc/passwd")
	assert.NoError(t, err)
	_, err = f.cat.Files.Get(context.Background(), "/other/file.txt")
	assert.NoError(t, err)
}

func TestConfirmRefusesDirectories(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("/data/dir", 0o755))
	id := f.mark(t, "/data/dir")

	_, err := f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: id, Confirm: true})
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Blocked)

	_, err = f.fs.Stat("/data/dir")
	assert.NoError(t, err)
}

func TestMarkPlansAndList(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "/data/a.txt", "same")
	f.addFile(t, "/data/b.txt", "same")
	f.addFile(t, "/data/c.txt", "same")

	plan := retention.Plan{
		Method:   dedup.MethodHash,
		Strategy: retention.KeepOldest,
		Keep:     catalog.FileRecord{Path: "/data/a.txt"},
		SuggestDelete: []catalog.FileRecord{
			{Path: "/data/b.txt"},
			{Path: "/data/c.txt"},
		},
	}
	res, err := f.svc.MarkPlans(context.Background(), "alice", []retention.Plan{plan})
	require.NoError(t, err)
	assert.Equal(t, 2, res.InsertedCount)

	_, err = f.svc.Confirm(context.Background(), "bob", ConfirmRequest{ID: res.IDs[0], Confirm: true})
	require.NoError(t, err)

	pending, err := f.svc.List(context.Background(), catalog.DeletionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Reason, "/data/a.txt")

	all, err := f.svc.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.List(context.Background(), "archived", 0)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.svc.MarkPlans(context.Background(), "alice", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestKeyedLocksReleaseEntries(t *testing.T) {
	k := newKeyedLocks()
	unlock := k.lock("a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.lock("a")()
	}()
	unlock()
	<-done
	assert.Empty(t, k.locks)
}
