package cvr

import "sort"

// CollectionDiff lists the ids a client must receive (Puts) or drop (Dels).
type CollectionDiff struct {
	Puts []string
	Dels []string
}

// Diff is the per-collection difference between two snapshots.
type Diff map[string]CollectionDiff

// Compare diffs base against next. A nil base is treated as empty, which is the
// first-ever sync for a client group. Ids are returned in sorted order.
func Compare(base, next Snapshot) Diff {
	names := make(map[string]struct{}, len(base)+len(next))
	for name := range base {
		names[name] = struct{}{}
	}
	for name := range next {
		names[name] = struct{}{}
	}

	diff := make(Diff, len(names))
	for name := range names {
		diff[name] = compareVersions(base[name], next[name])
	}
	return diff
}

func compareVersions(base, next VersionMap) CollectionDiff {
	result := CollectionDiff{Puts: []string{}, Dels: []string{}}
	for id, nextVersion := range next {
		baseVersion, seen := base[id]
		if !seen || nextVersion > baseVersion {
			result.Puts = append(result.Puts, id)
		}
	}
	for id := range base {
		if _, kept := next[id]; !kept {
			result.Dels = append(result.Dels, id)
		}
	}
	sort.Strings(result.Puts)
	sort.Strings(result.Dels)
	return result
}

// IsEmpty reports whether no collection has puts or dels.
func (d Diff) IsEmpty() bool {
	for _, collection := range d {
		if len(collection.Puts) > 0 || len(collection.Dels) > 0 {
			return false
		}
	}
	return true
}

// Collections returns the sorted collection names covered by the diff.
func (d Diff) Collections() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
