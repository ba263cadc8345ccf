// Copyright 2024-2026 Aiku AI

package threema

import (
	"maps"
	"slices"
	"sync"
)

// GroupRecord is the cached state of one group. Members never contains the
// gateway identity itself.
type GroupRecord struct {
	GroupID GroupID
	Creator string
	Members []string
	Name    string
}

type groupEntry struct {
	creator string
	members map[string]struct{}
	name    string
}

func (e *groupEntry) record(gid GroupID) GroupRecord {
	return GroupRecord{
		GroupID: gid,
		Creator: e.creator,
		Members: slices.Sorted(maps.Keys(e.members)),
		Name:    e.name,
	}
}

// Directory caches group membership learned from roster messages. All
// access goes through a single mutex; callers get copies and must not hold
// on to directory internals across network calls.
type Directory struct {
	own string

	mu     sync.Mutex
	groups map[GroupID]*groupEntry
}

// NewDirectory creates an empty directory for the given gateway identity.
func NewDirectory(ownIdentity string) *Directory {
	return &Directory{
		own:    ownIdentity,
		groups: make(map[GroupID]*groupEntry),
	}
}

// Lookup returns a copy of the record for gid.
func (d *Directory) Lookup(gid GroupID) (GroupRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.groups[gid]
	if !ok {
		return GroupRecord{}, false
	}
	return entry.record(gid), true
}

// UpsertRoster replaces the member list of a group. The gateway identity is
// never stored. When the roster no longer contains the gateway identity, or
// contains nobody but the gateway identity, the record is removed and false
// is returned. Otherwise the creator (the sender of the roster) is added to
// the members, since some clients leave themselves out of their own roster.
func (d *Directory) UpsertRoster(gid GroupID, creator string, members []string) bool {
	set := make(map[string]struct{}, len(members)+1)
	isMember := false
	for _, m := range members {
		if m == d.own {
			isMember = true
			continue
		}
		set[m] = struct{}{}
	}
	if !isMember || len(set) == 0 {
		d.Remove(gid)
		return false
	}
	if creator != "" && creator != d.own {
		set[creator] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.groups[gid]
	if !ok {
		entry = &groupEntry{}
		d.groups[gid] = entry
	}
	entry.creator = creator
	entry.members = set
	return true
}

// UpsertRename stores the new name of a known group. Renames of groups
// without a roster are not recorded, so that the group keeps counting as
// unknown; false is returned in that case.
func (d *Directory) UpsertRename(gid GroupID, creator, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.groups[gid]
	if !ok {
		return false
	}
	if creator != "" {
		entry.creator = creator
	}
	entry.name = name
	return true
}

// Remove forgets a group.
func (d *Directory) Remove(gid GroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.groups, gid)
}

// Len returns the number of known groups.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.groups)
}
