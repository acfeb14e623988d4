// Package snapshot persists tabular artifacts as timestamped files keyed by
// logical name. Artifacts are append-only: Save always writes a new file and
// LoadLatest reads the newest one.
//
// The store does not lock. Two processes saving the same logical name at once
// both succeed and the later timestamp wins on the next load.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ellisisland/reconciler/pkg/models"
)

// Format selects the on-disk encoding of a relation.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"

	manifestExt = "yaml"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("unknown snapshot format %q", s)
	}
}

// timestampLayout is fixed width so lexical order equals time order.
const timestampLayout = "20060102T150405.000000000Z"

const maxCollisionBumps = 1000

// ArtifactHandle identifies one written artifact.
type ArtifactHandle struct {
	Name      string    `yaml:"name"`
	Path      string    `yaml:"path"`
	Timestamp time.Time `yaml:"timestamp"`
	Format    Format    `yaml:"format"`
}

// Store reads and writes artifacts under one directory.
type Store struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// NewStore creates dir if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now, logger: logger.Named("snapshot")}, nil
}

// SetClock replaces the time source used to stamp new artifacts.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save encodes rel and writes it as a new artifact.
func (s *Store) Save(name string, rel *models.Relation, format Format) (ArtifactHandle, error) {
	if err := validateName(name); err != nil {
		return ArtifactHandle{}, err
	}
	if rel == nil {
		return ArtifactHandle{}, errors.New("snapshot: nil relation")
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatCSV:
		err = writeCSV(&buf, rel)
	case FormatParquet:
		err = writeParquet(&buf, rel)
	default:
		err = fmt.Errorf("unknown snapshot format %q", format)
	}
	if err != nil {
		return ArtifactHandle{}, fmt.Errorf("encode %s: %w", name, err)
	}

	h, err := s.publish(name, string(format), buf.Bytes())
	if err != nil {
		return ArtifactHandle{}, err
	}
	h.Format = format
	s.logger.Info("Saved snapshot",
		zap.String("name", name),
		zap.String("path", h.Path),
		zap.String("format", string(format)),
		zap.Int("rows", rel.Len()))
	return h, nil
}

// publish writes data to a new file named after name and the current time.
// Existing files are never replaced; on collision the timestamp moves forward
// by one nanosecond.
func (s *Store) publish(name, ext string, data []byte) (ArtifactHandle, error) {
	ts := s.now().UTC()
	for range maxCollisionBumps {
		path := filepath.Join(s.dir, fileName(name, ts, ext))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			ts = ts.Add(time.Nanosecond)
			continue
		}
		if err != nil {
			return ArtifactHandle{}, fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return ArtifactHandle{}, fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return ArtifactHandle{}, fmt.Errorf("close %s: %w", path, err)
		}
		return ArtifactHandle{Name: name, Path: path, Timestamp: ts}, nil
	}
	return ArtifactHandle{}, fmt.Errorf("snapshot %s: no free file name after %d attempts", name, maxCollisionBumps)
}

// List returns the relation artifacts for name, oldest first.
func (s *Store) List(name string) ([]ArtifactHandle, error) {
	return s.list(name, string(FormatCSV), string(FormatParquet))
}

func (s *Store) list(name string, exts ...string) ([]ArtifactHandle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	var out []ArtifactHandle
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, ext, ok := parseFileName(name, e.Name())
		if !ok || !slices.Contains(exts, ext) {
			continue
		}
		out = append(out, ArtifactHandle{
			Name:      name,
			Path:      filepath.Join(s.dir, e.Name()),
			Timestamp: ts,
			Format:    Format(ext),
		})
	}
	slices.SortFunc(out, func(a, b ArtifactHandle) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// LoadLatest loads the newest artifact for name. It reports false when there
// is none or when the newest one cannot be read; older artifacts are not
// consulted in that case.
func (s *Store) LoadLatest(name string) (ArtifactHandle, *models.Relation, bool) {
	handles, err := s.List(name)
	if err != nil {
		s.logger.Warn("Failed to list snapshots", zap.String("name", name), zap.Error(err))
		return ArtifactHandle{}, nil, false
	}
	if len(handles) == 0 {
		s.logger.Debug("No snapshot found", zap.String("name", name))
		return ArtifactHandle{}, nil, false
	}
	latest := handles[len(handles)-1]
	rel, err := s.Load(latest)
	if err != nil {
		s.logger.Warn("Latest snapshot is unreadable",
			zap.String("name", name),
			zap.String("path", latest.Path),
			zap.Error(err))
		return ArtifactHandle{}, nil, false
	}
	return latest, rel, true
}

// Load decodes the artifact at h.Path. The format comes from the file extension.
func (s *Store) Load(h ArtifactHandle) (*models.Relation, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.Path, err)
	}
	switch Format(strings.TrimPrefix(filepath.Ext(h.Path), ".")) {
	case FormatCSV:
		return readCSV(bytes.NewReader(data))
	case FormatParquet:
		return readParquet(data)
	default:
		return nil, fmt.Errorf("%s: unrecognized snapshot extension", h.Path)
	}
}

func validateName(name string) error {
	if name == "" {
		return errors.New("snapshot: empty name")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("snapshot: invalid name %q", name)
	}
	return nil
}

func fileName(name string, ts time.Time, ext string) string {
	return name + "-" + ts.UTC().Format(timestampLayout) + "." + ext
}

// parseFileName extracts the timestamp and extension of a file belonging to
// name. A name that is a prefix of another name does not match its files
// because the remainder must be exactly a timestamp.
func parseFileName(name, file string) (time.Time, string, bool) {
	rest, ok := strings.CutPrefix(file, name+"-")
	if !ok {
		return time.Time{}, "", false
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(timestampLayout, rest[:dot])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, rest[dot+1:], true
}
