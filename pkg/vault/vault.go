// Package vault implements the encrypted configuration snapshot exchanged
// between the global manager and the edge local managers. A vault file is
// one plaintext JSON header line followed by the field-cipher ciphertext of
// the JCS-canonical payload; the per-vault-type key is derived from the
// master field key, so possession of one vault type's key reveals nothing
// about the others.
package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fieldcipher"
)

// FormatVersion is bumped on incompatible layout changes; readers reject
// versions they do not know.
const FormatVersion = 1

// FileSuffix terminates every vault filename.
const FileSuffix = ".vault"

// ErrNoVault reports that no valid vault file exists for the requested type.
var ErrNoVault = errors.New("vault: no valid vault file")

// Vault is the decrypted, validated content of one vault file.
type Vault struct {
	Type        string
	Seq         int64
	PG          int
	Source      string
	Entries     map[string]string
	ContentHash string
}

// header is the plaintext first line. Seq, PG and Source are duplicated
// inside the encrypted payload; a reader accepts the file only when both
// copies agree.
type header struct {
	Version     int    `json:"version"`
	Seq         int64  `json:"seq"`
	PG          int    `json:"pg"`
	Source      string `json:"source"`
	EntryCount  int    `json:"entryCount"`
	ContentHash string `json:"contentHash"`
}

type payload struct {
	Seq     int64             `json:"seq"`
	PG      int               `json:"pg"`
	Source  string            `json:"source"`
	Entries map[string]string `json:"entries"`
}

// EntriesHash returns "sha256:<hex>" over the RFC 8785 canonicalization of
// the entries map.
func EntriesHash(entries map[string]string) (string, error) {
	if entries == nil {
		entries = map[string]string{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("vault: marshal entries: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("vault: canonicalize entries: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Filename is "<type>-<seq zero-padded to 12>.vault".
func Filename(vaultType string, seq int64) string {
	return fmt.Sprintf("%s-%012d%s", vaultType, seq, FileSuffix)
}

// ParseFilename inverts Filename. ok is false for anything that does not
// look like a vault file.
func ParseFilename(name string) (vaultType string, seq int64, ok bool) {
	base, found := strings.CutSuffix(name, FileSuffix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(base, '-')
	if i <= 0 || i == len(base)-1 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return base[:i], seq, true
}

// Codec encodes and decodes vault files. Sub-ciphers are derived once per
// vault type and cached.
type Codec struct {
	master *fieldcipher.Cipher

	mu      sync.Mutex
	derived map[string]*fieldcipher.Cipher
}

func NewCodec(master *fieldcipher.Cipher) *Codec {
	return &Codec{master: master, derived: make(map[string]*fieldcipher.Cipher)}
}

func (c *Codec) cipherFor(vaultType string) (*fieldcipher.Cipher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok := c.derived[vaultType]; ok {
		return fc, nil
	}
	fc, err := c.master.DeriveSubCipher(vaultType)
	if err != nil {
		return nil, err
	}
	c.derived[vaultType] = fc
	return fc, nil
}

// Encode serializes and encrypts v, filling in v.ContentHash.
func (c *Codec) Encode(v *Vault) ([]byte, error) {
	if v.Type == "" {
		return nil, fault.New(fault.KindInput, "vault: empty vault type")
	}
	if v.Seq <= 0 {
		return nil, fault.New(fault.KindInput, "vault: seq must be positive, got %d", v.Seq)
	}

	hash, err := EntriesHash(v.Entries)
	if err != nil {
		return nil, err
	}
	v.ContentHash = hash

	raw, err := json.Marshal(payload{Seq: v.Seq, PG: v.PG, Source: v.Source, Entries: v.Entries})
	if err != nil {
		return nil, fmt.Errorf("vault: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: canonicalize payload: %w", err)
	}

	fc, err := c.cipherFor(v.Type)
	if err != nil {
		return nil, err
	}
	ciphertext, err := fc.Encrypt(canonical)
	if err != nil {
		return nil, err
	}

	hdr, err := json.Marshal(header{
		Version:     FormatVersion,
		Seq:         v.Seq,
		PG:          v.PG,
		Source:      v.Source,
		EntryCount:  len(v.Entries),
		ContentHash: hash,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(hdr) + 1 + len(ciphertext))
	buf.Write(hdr)
	buf.WriteByte('\n')
	buf.WriteString(ciphertext)
	return buf.Bytes(), nil
}

// Decode parses, decrypts and validates one vault file. Every check failure
// is an error; the caller decides whether to skip or abort.
func (c *Codec) Decode(vaultType string, data []byte) (*Vault, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, fault.New(fault.KindInput, "vault: missing header line")
	}

	var hdr header
	if err := json.Unmarshal(data[:i], &hdr); err != nil {
		return nil, fault.Wrap(fault.KindInput, err, "vault: parse header")
	}
	if hdr.Version != FormatVersion {
		return nil, fault.New(fault.KindInput, "vault: unsupported format version %d", hdr.Version)
	}

	fc, err := c.cipherFor(vaultType)
	if err != nil {
		return nil, err
	}
	plaintext, err := fc.Decrypt(string(data[i+1:]))
	if err != nil {
		if errors.Is(err, fieldcipher.ErrAuthentication) {
			return nil, fault.Wrap(fault.KindCrypto, err, "vault: authentication failed")
		}
		return nil, fault.Wrap(fault.KindInput, err, "vault: decrypt")
	}

	var pl payload
	if err := json.Unmarshal(plaintext, &pl); err != nil {
		return nil, fault.Wrap(fault.KindInput, err, "vault: parse payload")
	}
	if pl.Entries == nil {
		pl.Entries = map[string]string{}
	}

	if pl.Seq != hdr.Seq || pl.PG != hdr.PG || pl.Source != hdr.Source {
		return nil, fault.New(fault.KindConsistency,
			"vault: header (seq=%d pg=%d) disagrees with payload (seq=%d pg=%d)",
			hdr.Seq, hdr.PG, pl.Seq, pl.PG)
	}
	if len(pl.Entries) != hdr.EntryCount {
		return nil, fault.New(fault.KindConsistency,
			"vault: header claims %d entries, payload has %d", hdr.EntryCount, len(pl.Entries))
	}

	hash, err := EntriesHash(pl.Entries)
	if err != nil {
		return nil, err
	}
	if hash != hdr.ContentHash {
		return nil, fault.New(fault.KindConsistency,
			"vault: content hash mismatch: header %s, computed %s", hdr.ContentHash, hash)
	}

	return &Vault{
		Type:        vaultType,
		Seq:         hdr.Seq,
		PG:          hdr.PG,
		Source:      hdr.Source,
		Entries:     pl.Entries,
		ContentHash: hash,
	}, nil
}
