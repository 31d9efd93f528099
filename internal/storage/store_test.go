package storage

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/discsim/internal/sample"
)

func testRun() (RunMetadata, []sample.Sample, []int32) {
	meta := RunMetadata{
		Backend:   "cpu",
		Device:    "host",
		Precision: "f64",
		Seed:      42,
		Radius:    sample.DefaultRadius,
		GroupSize: 1024,
		Groups:    1,
		Sum:       1,
		Elapsed:   3 * time.Millisecond,
		Stats:     map[string]float64{"hit_ratio": 0.5},
	}
	samples := []sample.Sample{
		{X: 50, Y: 50, R: 1},
		{X: 0.125, Y: 99.5, R: 2.75},
	}
	return meta, samples, []int32{1, 0}
}

func TestStoreSaveLoad(t *testing.T) {
	st := New(t.TempDir())
	require.NoError(t, st.Init())

	meta, samples, flags := testRun()
	runID, err := st.Save(meta, samples, flags)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	loaded := must.M1(st.Load(runID))
	assert.Equal(t, runID, loaded.ID)
	assert.Equal(t, uint64(42), loaded.Seed)
	assert.Equal(t, sample.DefaultRadius, loaded.Radius)
	assert.Equal(t, 2, loaded.Samples)
	assert.Equal(t, int64(1), loaded.Sum)
	assert.Equal(t, 3*time.Millisecond, loaded.Elapsed)
	assert.Equal(t, 0.5, loaded.Stats["hit_ratio"])

	gotSamples, gotFlags, err := st.LoadSamples(runID)
	require.NoError(t, err)
	assert.Equal(t, samples, gotSamples)
	assert.Equal(t, flags, gotFlags)
}

func TestStoreSaveMismatch(t *testing.T) {
	st := New(t.TempDir())
	meta, samples, _ := testRun()
	_, err := st.Save(meta, samples, []int32{1})
	assert.Error(t, err)
}

func TestStoreSaveFailureLeavesNoRun(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)
	require.NoError(t, st.Init())

	meta, samples, flags := testRun()
	meta.Stats = map[string]float64{"hit_ratio": math.NaN()}
	_, err := st.Save(meta, samples, flags)
	require.Error(t, err, "NaN cannot be encoded as JSON")

	entries := must.M1(os.ReadDir(tmpDir))
	assert.Empty(t, entries)
	assert.Empty(t, must.M1(st.List()))
}

func TestStoreList(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)
	require.NoError(t, st.Init())

	runs := must.M1(st.List())
	assert.Empty(t, runs)

	meta, samples, flags := testRun()
	first := must.M1(st.Save(meta, samples, flags))
	second := must.M1(st.Save(meta, samples, flags))
	require.NotEqual(t, first, second)

	// Stray entries are ignored.
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "junk"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "notes.txt"), nil, 0644))

	runs = must.M1(st.List())
	require.Len(t, runs, 2)
	assert.Equal(t, first, runs[0].ID)
	assert.Equal(t, second, runs[1].ID)
}

func TestStoreListMissingDir(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "absent"))
	runs, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStoreFileStructure(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)
	require.NoError(t, st.Init())

	meta, samples, flags := testRun()
	runID := must.M1(st.Save(meta, samples, flags))

	runDir := filepath.Join(tmpDir, runID)
	assert.FileExists(t, filepath.Join(runDir, "metadata.json"))
	assert.FileExists(t, filepath.Join(runDir, "samples.csv"))

	data := must.M1(os.ReadFile(filepath.Join(runDir, "samples.csv")))
	assert.Equal(t, "x,y,r,flag\n50,50,1,1\n0.125,99.5,2.75,0\n", string(data))
}
