package configsync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/micro-ha/ser-gateway/internal/model"
)

type FetchResult struct {
	Configured bool
	File       model.File
	// Hash identifies the file content; equal hashes mean nothing changed.
	Hash uint64
}

// FileSource reads device and datasource definitions from a YAML file.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string {
	return s.path
}

// FetchConfig reads and validates the file. A missing file is reported as not configured.
func (s *FileSource) FetchConfig(ctx context.Context) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return FetchResult{}, nil
	}
	if err != nil {
		return FetchResult{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	file, err := Parse(raw)
	if err != nil {
		return FetchResult{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return FetchResult{Configured: true, File: file, Hash: xxh3.Hash(raw)}, nil
}

// Parse decodes a devices file and applies defaults.
func Parse(raw []byte) (model.File, error) {
	var file model.File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return model.File{}, err
	}
	for i := range file.Devices {
		file.Devices[i] = file.Devices[i].Normalize()
	}
	if err := file.Validate(); err != nil {
		return model.File{}, err
	}
	return file, nil
}
