package directory

import (
	"sort"

	"interbank/pkg/types"
)

// Result classifies every bank seen in one reconciliation cycle.
type Result struct {
	Added     []types.BankDirectoryEntry
	Updated   []types.BankDirectoryEntry
	Unchanged []types.BankDirectoryEntry
	Removed   []types.BankDirectoryEntry
}

// Changed reports whether the cycle needs to be persisted.
func (r Result) Changed() bool {
	return len(r.Added) > 0 || len(r.Updated) > 0 || len(r.Removed) > 0
}

// Merged returns the new directory, sorted by name.
func (r Result) Merged() []types.BankDirectoryEntry {
	out := make([]types.BankDirectoryEntry, 0, len(r.Added)+len(r.Updated)+len(r.Unchanged))
	out = append(out, r.Added...)
	out = append(out, r.Updated...)
	out = append(out, r.Unchanged...)
	sortByName(out)
	return out
}

// Reconcile merges the remote snapshot into the local one. Entries are keyed
// by name; a differing remote entry replaces the local one only when its
// lastUpdated is strictly newer.
func Reconcile(local, remote []types.BankDirectoryEntry) Result {
	localByName := Dedupe(local)
	remoteByName := Dedupe(remote)

	var res Result
	for name, r := range remoteByName {
		l, exists := localByName[name]
		switch {
		case !exists:
			res.Added = append(res.Added, r)
		case l.SameContent(r):
			res.Unchanged = append(res.Unchanged, l)
		case r.LastUpdated.After(l.LastUpdated):
			res.Updated = append(res.Updated, r)
		default:
			// remote is stale
			res.Unchanged = append(res.Unchanged, l)
		}
	}
	for name, l := range localByName {
		if _, exists := remoteByName[name]; !exists {
			res.Removed = append(res.Removed, l)
		}
	}

	sortByName(res.Added)
	sortByName(res.Updated)
	sortByName(res.Unchanged)
	sortByName(res.Removed)
	return res
}

// Dedupe keys entries by name, keeping the one with the latest lastUpdated.
// Entries without a name are dropped.
func Dedupe(entries []types.BankDirectoryEntry) map[string]types.BankDirectoryEntry {
	out := make(map[string]types.BankDirectoryEntry, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		if prev, ok := out[e.Name]; ok && !e.LastUpdated.After(prev.LastUpdated) {
			continue
		}
		out[e.Name] = e
	}
	return out
}

func sortByName(entries []types.BankDirectoryEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
