package atomicio

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// MarshalCanonical encodes v as byte-stable JSON: sorted keys, compact
// separators, trailing newline. Every artifact the soak loop writes goes
// through this helper so reruns on identical inputs produce identical bytes.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder appends a newline already; re-compact to strip any
	// indentation and keep map keys sorted (encoding/json sorts them).
	var compact bytes.Buffer
	if err := json.Compact(&compact, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return nil, err
	}
	compact.WriteByte('\n')
	return compact.Bytes(), nil
}

// WriteFileAtomic writes data to path via temp file + rename. On POSIX the
// parent directory is fsynced after the rename so the entry survives a crash.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

// WriteJSONAtomic marshals v canonically and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := MarshalCanonical(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// SweepTemp removes stale .tmp files left behind by a crashed writer.
// Returns the number of files removed.
func SweepTemp(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		// MoveFileEx replace semantics via os.Rename are sufficient here.
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
