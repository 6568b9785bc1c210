package vault

import "sort"

// Diff is the key-level difference between two vaults of the same type.
type Diff struct {
	FromSeq  int64
	ToSeq    int64
	Added    []string
	Removed  []string
	Modified []string
}

func (d *Diff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// ComputeDiff compares two vaults. from may be nil (first apply), in which
// case every entry of to is added. Key slices come back sorted.
func ComputeDiff(from, to *Vault) *Diff {
	d := &Diff{ToSeq: to.Seq}
	var old map[string]string
	if from != nil {
		d.FromSeq = from.Seq
		old = from.Entries
	}

	for k, v := range to.Entries {
		prev, ok := old[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case prev != v:
			d.Modified = append(d.Modified, k)
		}
	}
	for k := range old {
		if _, ok := to.Entries[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}
