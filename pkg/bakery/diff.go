package bakery

// siteDiffKind classifies the outcome of comparing an incoming batch's
// sites against the remembered set.
type siteDiffKind int

const (
	siteNoChange siteDiffKind = iota
	siteSpeedChanges
	siteRebuildRequired
)

type siteDiff struct {
	kind    siteDiffKind
	changes []AddSite
}

// diffSites compares the incoming AddSite set to the remembered one.
// Structural differences (membership or class mapping) force a rebuild;
// bandwidth-only differences are returned as live speed changes.
func diffSites(batch []Command, remembered map[int64]AddSite) siteDiff {
	incoming := make(map[int64]AddSite)
	for _, cmd := range batch {
		if site, ok := cmd.(AddSite); ok {
			incoming[site.SiteHash] = site
		}
	}

	if len(incoming) != len(remembered) {
		return siteDiff{kind: siteRebuildRequired}
	}

	var changes []AddSite
	for hash, site := range incoming {
		old, ok := remembered[hash]
		if !ok {
			return siteDiff{kind: siteRebuildRequired}
		}
		if old.ParentClass != site.ParentClass ||
			old.UpParentClass != site.UpParentClass ||
			old.ClassMinor != site.ClassMinor {
			return siteDiff{kind: siteRebuildRequired}
		}
		if old.DownloadMin != site.DownloadMin ||
			old.UploadMin != site.UploadMin ||
			old.DownloadMax != site.DownloadMax ||
			old.UploadMax != site.UploadMax {
			changes = append(changes, site)
		}
	}

	if len(changes) > 0 {
		return siteDiff{kind: siteSpeedChanges, changes: changes}
	}
	return siteDiff{kind: siteNoChange}
}

type circuitDiff struct {
	added   []AddCircuit
	removed []AddCircuit
	updated []AddCircuit
}

func (d circuitDiff) empty() bool {
	return len(d.added) == 0 && len(d.removed) == 0 && len(d.updated) == 0
}

// diffCircuits computes the per-leaf membership and field changes. An
// updated circuit is later treated as remove + add.
func diffCircuits(batch []Command, remembered map[int64]AddCircuit) circuitDiff {
	incoming := make(map[int64]AddCircuit)
	for _, cmd := range batch {
		if circuit, ok := cmd.(AddCircuit); ok {
			incoming[circuit.CircuitHash] = circuit
		}
	}

	var diff circuitDiff
	for hash, circuit := range incoming {
		old, ok := remembered[hash]
		if !ok {
			diff.added = append(diff.added, circuit)
			continue
		}
		if old != circuit {
			diff.updated = append(diff.updated, circuit)
		}
	}
	for hash, old := range remembered {
		if _, ok := incoming[hash]; !ok {
			diff.removed = append(diff.removed, old)
		}
	}
	return diff
}
