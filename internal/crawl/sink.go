package crawl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink persists the full record set collected so far.
type Sink interface {
	Save(ctx context.Context, records []ListingRecord) error
}

// NDJSONSink writes one record per line. Every Save rewrites the whole file
// through a temp file and a rename, so a crash never leaves a torn snapshot.
type NDJSONSink struct {
	path string
}

// NewNDJSONSink creates a sink writing to path; "~" is expanded.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand output path %q: %w", path, err)
	}
	return &NDJSONSink{path: expanded}, nil
}

// Path returns the destination file.
func (s *NDJSONSink) Path() string { return s.path }

func (s *NDJSONSink) Save(ctx context.Context, records []ListingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		committed = true
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	committed = true
	return nil
}

// ReadNDJSON loads a file written by NDJSONSink.
func ReadNDJSON(path string) ([]ListingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ListingRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec ListingRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
