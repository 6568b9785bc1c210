package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// Dir is a directory of vault files: the GM's transmit directory or an LM's
// receive directory. All types share one directory; filenames carry the
// type.
type Dir struct {
	codec *Codec
	path  string
	log   *slog.Logger
}

func NewDir(codec *Codec, path string, log *slog.Logger) (*Dir, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create dir %s: %w", path, err)
	}
	return &Dir{codec: codec, path: path, log: log.With("component", "vault")}, nil
}

func (d *Dir) Path() string { return d.path }

// Write encodes v and lands it atomically: temp file in the same directory,
// fsync, rename. The returned filename is only reported once the bytes are
// durable.
func (d *Dir) Write(v *Vault) (string, error) {
	data, err := d.codec.Encode(v)
	if err != nil {
		return "", err
	}
	name := Filename(v.Type, v.Seq)

	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("vault: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("vault: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("vault: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(d.path, name)); err != nil {
		return "", fmt.Errorf("vault: commit %s: %w", name, err)
	}
	tmpName = ""

	d.log.Info("vault written", "file", name, "entries", len(v.Entries), "hash", v.ContentHash)
	return name, nil
}

// Read returns the raw bytes of a vault file, for archive mirroring.
func (d *Dir) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", name, err)
	}
	return data, nil
}

// ListSeqs returns the seqs present for a vault type, ascending. Presence
// only; files are not validated.
func (d *Dir) ListSeqs(vaultType string) ([]int64, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("vault: list %s: %w", d.path, err)
	}
	var seqs []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		vt, seq, ok := ParseFilename(e.Name())
		if !ok || vt != vaultType {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// LoadBySeq loads and fully validates one vault file. ErrNoVault when the
// file does not exist.
func (d *Dir) LoadBySeq(vaultType string, seq int64) (*Vault, error) {
	name := Filename(vaultType, seq)
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoVault
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", name, err)
	}
	v, err := d.codec.Decode(vaultType, data)
	if err != nil {
		return nil, err
	}
	if v.Seq != seq {
		return nil, fault.New(fault.KindConsistency,
			"vault: file %s carries seq %d", name, v.Seq)
	}
	return v, nil
}

// LatestValid scans descending by seq and returns the first file that
// decrypts and validates. Corrupt candidates are skipped with a logged
// reason, never promoted. ErrNoVault when nothing valid exists.
func (d *Dir) LatestValid(vaultType string) (*Vault, error) {
	seqs, err := d.ListSeqs(vaultType)
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		v, err := d.LoadBySeq(vaultType, seqs[i])
		if err != nil {
			d.log.Warn("skipping invalid vault file",
				"file", Filename(vaultType, seqs[i]), "err", err)
			continue
		}
		return v, nil
	}
	return nil, ErrNoVault
}
