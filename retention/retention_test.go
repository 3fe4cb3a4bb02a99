package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/dedup"
	"storagejanitor/logger"
)

func init() {
	logger.Init("error")
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(path string, size int64, age time.Duration, hash string) catalog.FileRecord {
	return catalog.FileRecord{
		Path:     path,
		Dirname:  filepath.Dir(path),
		Filename: filepath.Base(path),
		Size:     size,
		MTime:    catalog.Stamp(base.Add(-age)),
		Hash:     hash,
	}
}

func seed(t *testing.T, recs ...catalog.FileRecord) *catalog.Catalog {
	t.Helper()
	cat := catalog.NewMemory()
	for _, r := range recs {
		require.NoError(t, cat.Files.Upsert(context.Background(), r.Path, r))
	}
	return cat
}

func group(files ...catalog.FileRecord) dedup.Group {
	return dedup.Group{Key: "sha256:k", Method: dedup.MethodHash, Size: files[0].Size, Count: len(files), Files: files}
}

func paths(recs []catalog.FileRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Path
	}
	return out
}

func TestPlanGroup_Strategies(t *testing.T) {
	g := group(
		rec("/d/new", 10, time.Hour, "sha256:k"),
		rec("/d/old", 10, 48*time.Hour, "sha256:k"),
		rec("/d/mid", 10, 24*time.Hour, "sha256:k"),
	)

	plan, err := PlanGroup(g, KeepOldest)
	require.NoError(t, err)
	assert.Equal(t, "/d/old", plan.Keep.Path)
	assert.Equal(t, []string{"/d/mid", "/d/new"}, paths(plan.SuggestDelete))
	assert.Equal(t, int64(20), plan.PotentialSavings)

	plan, err = PlanGroup(g, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, "/d/new", plan.Keep.Path)
	assert.Equal(t, []string{"/d/old", "/d/mid"}, paths(plan.SuggestDelete))

	plan, err = PlanGroup(g, "")
	require.NoError(t, err)
	assert.Equal(t, KeepOldest, plan.Strategy)
}

func TestPlanGroup_TiesAreDeterministic(t *testing.T) {
	a := rec("/d/a", 5, time.Hour, "sha256:k")
	b := rec("/d/b", 5, time.Hour, "sha256:k")
	c := rec("/d/c", 5, time.Hour, "sha256:k")

	first, err := PlanGroup(group(c, a, b), KeepOldest)
	require.NoError(t, err)
	second, err := PlanGroup(group(b, c, a), KeepOldest)
	require.NoError(t, err)

	assert.Equal(t, "/d/a", first.Keep.Path)
	assert.Equal(t, first, second)

	newest, err := PlanGroup(group(b, a, c), KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, "/d/c", newest.Keep.Path)
}

func TestPlanGroup_HardLinks(t *testing.T) {
	keep := rec("/d/a", 5, 3*time.Hour, "sha256:k")
	keep.FileID = "1:7"
	link := rec("/d/b", 5, 3*time.Hour, "sha256:k")
	link.FileID = "1:7"
	copy1 := rec("/d/c", 5, time.Hour, "sha256:k")
	copy1.FileID = "1:8"
	copy2 := rec("/d/d", 5, time.Hour, "sha256:k")
	copy2.FileID = "1:8"

	plan, err := PlanGroup(group(copy2, link, keep, copy1), KeepOldest)
	require.NoError(t, err)
	assert.Equal(t, "/d/a", plan.Keep.Path)
	assert.Equal(t, []string{"/d/b"}, paths(plan.KeepLinks))
	assert.Equal(t, []string{"/d/c", "/d/d"}, paths(plan.SuggestDelete))
	assert.Equal(t, int64(5), plan.PotentialSavings)

	only, err := PlanGroup(group(keep, link), KeepOldest)
	require.NoError(t, err)
	assert.Empty(t, only.SuggestDelete)
	assert.Zero(t, only.PotentialSavings)

	p := NewPlanner(seed(t, keep, link).Files)
	s, err := p.Suggest(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, s.Plans)
}

func TestPlanGroup_Errors(t *testing.T) {
	_, err := PlanGroup(group(rec("/d/a", 1, 0, "")), "keep_largest")
	assert.True(t, apperr.IsValidation(err))

	_, err = PlanGroup(dedup.Group{Key: "empty"}, KeepOldest)
	assert.True(t, apperr.IsValidation(err))
}

func TestSuggest_WorkedExample(t *testing.T) {
	cat := seed(t,
		rec("/data/a.txt", 100, 72*time.Hour, "sha256:h1"),
		rec("/data/b.txt", 100, time.Hour, "sha256:h1"),
		rec("/data/c.txt", 40, time.Hour, "sha256:h2"),
	)
	p := NewPlanner(cat.Files)

	s, err := p.Suggest(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, dedup.MethodHash, s.Method)
	assert.Equal(t, dedup.ConfidenceExact, s.Confidence)
	require.Len(t, s.Plans, 1)
	assert.Equal(t, "/data/a.txt", s.Plans[0].Keep.Path)
	assert.Equal(t, []string{"/data/b.txt"}, paths(s.Plans[0].SuggestDelete))
	assert.Equal(t, int64(100), s.TotalSavings)

	s, err = p.Suggest(context.Background(), Request{Hash: "sha256:h1", Strategy: KeepNewest})
	require.NoError(t, err)
	require.Len(t, s.Plans, 1)
	assert.Equal(t, "/data/b.txt", s.Plans[0].Keep.Path)

	s, err = p.Suggest(context.Background(), Request{Hash: "sha256:h2"})
	require.NoError(t, err)
	assert.Empty(t, s.Plans)

	_, err = p.Suggest(context.Background(), Request{Hash: "sha256:h1", Method: dedup.MethodFuzzy})
	assert.True(t, apperr.IsValidation(err))
}

func TestSuggest_SubSecondMtimeDecides(t *testing.T) {
	// "/data/z" is older by 300ms, so path order must not win the tie.
	older := rec("/data/z.txt", 8, 0, "sha256:h1")
	newer := rec("/data/a.txt", 8, 0, "sha256:h1")
	older.MTime = base.Add(200 * time.Millisecond)
	newer.MTime = base.Add(500 * time.Millisecond)
	p := NewPlanner(seed(t, newer, older).Files)

	s, err := p.Suggest(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, s.Plans, 1)
	assert.Equal(t, "/data/z.txt", s.Plans[0].Keep.Path)
	assert.Equal(t, []string{"/data/a.txt"}, paths(s.Plans[0].SuggestDelete))
}

func TestSuggest_FuzzyCarriesNote(t *testing.T) {
	cat := seed(t,
		rec("/x/photo.jpg", 7, time.Hour, ""),
		rec("/y/photo.jpg", 7, 2*time.Hour, ""),
	)
	s, err := NewPlanner(cat.Files).Suggest(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, dedup.MethodFuzzy, s.Method)
	assert.Equal(t, dedup.ConfidenceHeuristic, s.Confidence)
	assert.NotEmpty(t, s.Note)
	require.Len(t, s.Plans, 1)
	assert.Equal(t, "/y/photo.jpg", s.Plans[0].Keep.Path)
}

func TestTempFiles(t *testing.T) {
	cat := seed(t,
		rec("/srv/tmp/old.log", 1, 10*24*time.Hour, ""),
		rec("/srv/TEMP/old.bin", 1, 30*24*time.Hour, ""),
		rec("/srv/tmp/fresh.log", 1, 24*time.Hour, ""),
		rec("/srv/data/old.log", 1, 30*24*time.Hour, ""),
		rec("/home/u/.cache/x", 1, 8*24*time.Hour, ""),
	)
	p := NewPlanner(cat.Files)
	now := func() time.Time { return base }

	got, err := p.TempFiles(context.Background(), TempPolicy{Now: now})
	require.NoError(t, err)
	var found []string
	for _, c := range got {
		found = append(found, c.File.Path)
		assert.Equal(t, PolicyTempFiles, c.Policy)
		assert.False(t, c.Review)
	}
	assert.Equal(t, []string{"/home/u/.cache/x", "/srv/TEMP/old.bin", "/srv/tmp/old.log"}, found)

	got, err = p.TempFiles(context.Background(), TempPolicy{Now: now, AgeDays: 20, Markers: []string{"/temp/"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/srv/TEMP/old.bin", got[0].File.Path)

	_, err = p.TempFiles(context.Background(), TempPolicy{AgeDays: -1})
	assert.True(t, apperr.IsValidation(err))
}

func TestLargeFiles(t *testing.T) {
	cat := seed(t,
		rec("/v/huge.iso", 5<<30, time.Hour, ""),
		rec("/v/small.txt", 10, time.Hour, ""),
		rec("/v/edge.bin", 1<<30, time.Hour, ""),
	)
	p := NewPlanner(cat.Files)

	got, err := p.LargeFiles(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/v/edge.bin", got[0].File.Path)
	assert.Equal(t, "/v/huge.iso", got[1].File.Path)
	for _, c := range got {
		assert.True(t, c.Review)
		assert.Equal(t, PolicyLargeFiles, c.Policy)
	}

	got, err = p.LargeFiles(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = p.LargeFiles(context.Background(), -1)
	assert.True(t, apperr.IsValidation(err))
}
