package vault_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
)

func testDir(t *testing.T) (*vault.Dir, string) {
	t.Helper()
	path := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := vault.NewDir(testCodec(t), path, log)
	require.NoError(t, err)
	return d, path
}

func writeSeq(t *testing.T, d *vault.Dir, vaultType string, seq int64) string {
	t.Helper()
	name, err := d.Write(&vault.Vault{
		Type:    vaultType,
		Seq:     seq,
		PG:      1,
		Source:  "gm@test",
		Entries: map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	return name
}

func TestDirWriteAndLoad(t *testing.T) {
	d, path := testDir(t)

	name := writeSeq(t, d, "sma", 1)
	assert.Equal(t, "sma-000000000001.vault", name)

	v, err := d.LoadBySeq("sma", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, v.Entries)

	// The temp file used for the atomic rename must not survive.
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), e.Name())
	}
}

func TestDirLatestValidPicksHighestSeq(t *testing.T) {
	d, _ := testDir(t)
	writeSeq(t, d, "sma", 1)
	writeSeq(t, d, "sma", 2)
	writeSeq(t, d, "sma", 3)

	v, err := d.LatestValid("sma")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Seq)

	seqs, err := d.ListSeqs("sma")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestDirLatestValidSkipsCorruptFile(t *testing.T) {
	d, path := testDir(t)
	writeSeq(t, d, "sma", 1)
	writeSeq(t, d, "sma", 2)
	name := writeSeq(t, d, "sma", 3)

	require.NoError(t, os.WriteFile(filepath.Join(path, name), []byte("garbage"), 0o644))

	v, err := d.LatestValid("sma")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Seq)
}

func TestDirLatestValidEmpty(t *testing.T) {
	d, _ := testDir(t)
	_, err := d.LatestValid("sma")
	assert.ErrorIs(t, err, vault.ErrNoVault)
}

func TestDirLoadBySeqMissing(t *testing.T) {
	d, _ := testDir(t)
	_, err := d.LoadBySeq("sma", 99)
	assert.ErrorIs(t, err, vault.ErrNoVault)
}

func TestDirTypesAreIsolated(t *testing.T) {
	d, _ := testDir(t)
	writeSeq(t, d, "sma", 5)
	writeSeq(t, d, "sta", 9)

	seqs, err := d.ListSeqs("sma")
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, seqs)

	v, err := d.LatestValid("sta")
	require.NoError(t, err)
	assert.Equal(t, int64(9), v.Seq)
	assert.Equal(t, "sta", v.Type)
}

func TestDirReadReturnsRawBytes(t *testing.T) {
	d, path := testDir(t)
	name := writeSeq(t, d, "sma", 1)

	got, err := d.Read(name)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(path, name))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
