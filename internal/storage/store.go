package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/san-kum/discsim/internal/sample"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Backend   string             `json:"backend"`
	Device    string             `json:"device"`
	Precision string             `json:"precision"`
	Seed      uint64             `json:"seed"`
	Radius    sample.Bounds      `json:"radius"`
	Samples   int                `json:"samples"`
	GroupSize int                `json:"group_size"`
	Groups    int                `json:"groups"`
	Sum       int64              `json:"sum"`
	Pending   int                `json:"pending"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
	Stats     map[string]float64 `json:"stats"`
}

// Save writes metadata.json and samples.csv under a new run directory and
// returns the run id. A failed save removes the partially written directory.
func (s *Store) Save(meta RunMetadata, samples []sample.Sample, flags []int32) (runID string, err error) {
	if len(samples) != len(flags) {
		return "", errors.Errorf("%d samples but %d flags", len(samples), len(flags))
	}

	now := time.Now()
	runID = fmt.Sprintf("%s_%d", meta.Backend, now.UnixNano())
	runDir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(runDir)
		}
	}()

	meta.ID = runID
	meta.Timestamp = now
	meta.Samples = len(samples)

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", errors.Wrap(err, "write metadata")
	}

	csvFile, err := os.Create(filepath.Join(runDir, "samples.csv"))
	if err != nil {
		return "", err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	if err := w.Write([]string{"x", "y", "r", "flag"}); err != nil {
		return "", err
	}
	for i, smp := range samples {
		row := []string{
			strconv.FormatFloat(smp.X, 'g', -1, 64),
			strconv.FormatFloat(smp.Y, 'g', -1, 64),
			strconv.FormatFloat(smp.R, 'g', -1, 64),
			strconv.FormatInt(int64(flags[i]), 10),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "write samples")
	}

	return runID, nil
}

// List returns runs ordered oldest first. Directories without readable
// metadata are skipped.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "parse metadata of %s", runID)
	}
	return &meta, nil
}

func (s *Store) LoadSamples(runID string) ([]sample.Sample, []int32, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, "samples.csv"))
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = 4

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read samples of %s", runID)
	}
	if len(records) < 2 {
		return []sample.Sample{}, []int32{}, nil
	}

	samples := make([]sample.Sample, 0, len(records)-1)
	flags := make([]int32, 0, len(records)-1)
	for line, record := range records[1:] {
		var vals [3]float64
		for j := range vals {
			vals[j], err = strconv.ParseFloat(record[j], 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "%s line %d", runID, line+2)
			}
		}
		flag, err := strconv.ParseInt(record[3], 10, 32)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s line %d", runID, line+2)
		}
		samples = append(samples, sample.Sample{X: vals[0], Y: vals[1], R: vals[2]})
		flags = append(flags, int32(flag))
	}

	return samples, flags, nil
}
