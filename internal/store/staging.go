package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"skippy/internal/cas"
	"skippy/internal/tia"
)

// ErrNoBuild is returned when no build has been started.
var ErrNoBuild = errors.New("no build in progress")

const buildMarker = "build.json"

// BuildInfo identifies the build that owns the staging area.
type BuildInfo struct {
	ID string `json:"id"`
	// Parent is the snapshot the build started from, "" if none.
	Parent    string `json:"parent,omitempty"`
	StartedAt int64  `json:"startedAt"`
}

// BeginBuild clears the staging area and marks it as owned by info.
func (r *Repository) BeginBuild(info BuildInfo) error {
	if err := r.ClearStaged(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding build marker: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.stagingDir(), buildMarker), data); err != nil {
		return fmt.Errorf("writing build marker: %w", err)
	}
	return nil
}

// CurrentBuild returns the build that owns the staging area.
func (r *Repository) CurrentBuild() (BuildInfo, error) {
	var info BuildInfo
	data, err := os.ReadFile(filepath.Join(r.stagingDir(), buildMarker))
	if errors.Is(err, fs.ErrNotExist) {
		return info, ErrNoBuild
	}
	if err != nil {
		return info, fmt.Errorf("reading build marker: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decoding build marker: %w", err)
	}
	return info, nil
}

// StagedBlob is the coverage recorded for one test during the current build.
type StagedBlob struct {
	Test tia.UnitID
	Data []byte
}

func (r *Repository) stagingDir() string {
	return filepath.Join(r.root, "staging")
}

// StageBlob keeps data for test until the build finishes. Each distinct blob
// adds a file, so several processes can stage for the same test; their blobs are
// concatenated on collection.
//
// A staged file holds the test id, a newline, then the raw blob.
func (r *Repository) StageBlob(test tia.UnitID, data []byte) error {
	if test == "" || strings.ContainsRune(string(test), '\n') {
		return fmt.Errorf("invalid test id %q", test)
	}
	dir := r.stagingDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	prefix := cas.Blake3HashHex([]byte(test))[:16]
	tmp, err := os.CreateTemp(dir, prefix+".*.part")
	if err != nil {
		return fmt.Errorf("staging coverage: %w", err)
	}
	tmpPath := tmp.Name()
	h := cas.NewBlake3Hasher()
	w := io.MultiWriter(tmp, h)
	_, err = io.WriteString(w, string(test)+"\n")
	if err == nil {
		_, err = w.Write(data)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("staging coverage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staging coverage: %w", err)
	}
	// Named by content, so recording the same blob twice stages it once.
	final := filepath.Join(dir, prefix+"."+hex.EncodeToString(h.Sum(nil))[:16]+".exec")
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("staging coverage: %w", err)
	}
	return nil
}

// CollectStaged returns the staged coverage of the current build, one entry
// per test, sorted by test id. Incomplete writes are ignored.
func (r *Repository) CollectStaged() ([]StagedBlob, error) {
	entries, err := os.ReadDir(r.stagingDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}

	byTest := make(map[tia.UnitID][]byte)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".exec") {
			continue
		}
		path := filepath.Join(r.stagingDir(), e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading staged coverage: %w", err)
		}
		nl := bytes.IndexByte(content, '\n')
		if nl <= 0 {
			r.logger.Printf("ignoring staged file without test id: %s", e.Name())
			continue
		}
		test := tia.UnitID(content[:nl])
		byTest[test] = append(byTest[test], content[nl+1:]...)
	}

	out := make([]StagedBlob, 0, len(byTest))
	for test, data := range byTest {
		out = append(out, StagedBlob{Test: test, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out, nil
}

// ClearStaged discards everything staged, including partial writes and the
// build marker.
func (r *Repository) ClearStaged() error {
	dir := r.stagingDir()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	return os.MkdirAll(dir, 0755)
}
