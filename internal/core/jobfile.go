package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// JobFile is the on-disk list of command jobs.
type JobFile struct {
	Jobs []JobDefinition `yaml:"jobs"`
}

// JobDefinition declares one CommandJob.
type JobDefinition struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Cron        string        `yaml:"cron"`
	Commands    []string      `yaml:"commands"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Disabled    bool          `yaml:"disabled"`
}

// LoadJobFile reads and validates the YAML job file at path.
func LoadJobFile(path string, loc *time.Location, logger *slog.Logger) ([]*CommandJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	jobs, err := ParseJobFile(data, loc, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jobs, nil
}

// ParseJobFile decodes a job file. Unknown keys and duplicate names are
// rejected; disabled jobs are skipped.
func ParseJobFile(data []byte, loc *time.Location, logger *slog.Logger) ([]*CommandJob, error) {
	var file JobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode job file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Jobs))
	jobs := make([]*CommandJob, 0, len(file.Jobs))
	for i, def := range file.Jobs {
		if def.Disabled {
			continue
		}
		job, err := NewCommandJob(def, loc, logger)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if _, dup := seen[job.Name()]; dup {
			return nil, fmt.Errorf("jobs[%d]: duplicate job name %q", i, job.Name())
		}
		seen[job.Name()] = struct{}{}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
