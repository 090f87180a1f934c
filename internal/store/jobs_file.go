package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lsh.app/jobd/internal/model"
)

// ErrCorruptJobsFile is returned by Load when the file exists but does not
// hold a JSON array of jobs.
var ErrCorruptJobsFile = errors.New("corrupt jobs file")

// JobsFile is the persisted job table the daemon rebuilds itself from at
// startup.
type JobsFile struct {
	path string
}

func NewJobsFile(path string) *JobsFile {
	return &JobsFile{path: path}
}

func (f *JobsFile) Path() string {
	return f.path
}

// Load reads the jobs file. A missing file yields no jobs and no error.
func (f *JobsFile) Load() ([]model.JobSpec, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	var jobs []model.JobSpec
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptJobsFile, f.path, err)
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			return nil, fmt.Errorf("%w %s: job at index %d has no id", ErrCorruptJobsFile, f.path, i)
		}
	}
	return jobs, nil
}

// Save replaces the file atomically: the jobs are written to a temp file in
// the same directory, synced, then renamed over the old one.
func (f *JobsFile) Save(jobs []model.JobSpec) error {
	if jobs == nil {
		jobs = []model.JobSpec{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding jobs: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating jobs file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp jobs file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp jobs file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp jobs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp jobs file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming jobs file: %w", err)
	}
	return nil
}
