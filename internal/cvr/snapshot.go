// Package cvr holds client view records: versioned snapshots of what a client
// group has been sent, the diff between two snapshots, and the cache that keeps
// recent snapshots addressable by cookie.
package cvr

import "sort"

// ClientCollection is the reserved collection mapping client ids to their last mutation id.
const ClientCollection = "client"

// VersionMap maps entity ids to their row versions.
type VersionMap map[string]int64

// Snapshot maps collection names to the versions a client group has observed.
type Snapshot map[string]VersionMap

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{}
}

// Set records a version for an entity, creating the collection on demand.
func (s Snapshot) Set(collection, id string, version int64) {
	versions, ok := s[collection]
	if !ok {
		versions = VersionMap{}
		s[collection] = versions
	}
	versions[id] = version
}

// Put replaces an entire collection.
func (s Snapshot) Put(collection string, versions VersionMap) {
	if versions == nil {
		versions = VersionMap{}
	}
	s[collection] = versions
}

// Collections returns the sorted collection names present in the snapshot.
func (s Snapshot) Collections() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	copied := make(Snapshot, len(s))
	for collection, versions := range s {
		copiedVersions := make(VersionMap, len(versions))
		for id, version := range versions {
			copiedVersions[id] = version
		}
		copied[collection] = copiedVersions
	}
	return copied
}
