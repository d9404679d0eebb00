package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// RetentionPlan is the result of evaluating retention against a set of
// DONE backups: which ones to delete, and which survive.
type RetentionPlan struct {
	Delete []Backup
	Keep   []Backup
}

// PlanRetention decides which DONE backups to delete given a minimum
// generation count and a maximum age, while guaranteeing every surviving
// backup still has a reachable incremental-base chain: a backup is
// deletable only once no later retained backup depends on it.
//
// Backups are considered oldest to newest. keepGenerations counts from
// the newest backup backward; keepDays is a cutoff on StartTime. A limit
// of zero or less does not protect any backup, except that when both are
// zero or less nothing is deleted. A
// backup is a retention candidate once it falls outside both limits, but
// is only actually deleted once walking the incremental-base chain
// forward from every backup newer than the cutoff shows it unreachable.
func PlanRetention(backups []Backup, keepGenerations int, keepDays int, now time.Time) RetentionPlan {
	done := make([]Backup, 0, len(backups))
	for _, b := range backups {
		if b.Status == StatusDone {
			done = append(done, b)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].StartTime.Before(done[j].StartTime) })

	if keepGenerations <= 0 && keepDays <= 0 {
		return RetentionPlan{Keep: done}
	}

	cutoff := now.AddDate(0, 0, -keepDays)
	candidate := make([]bool, len(done))
	for i, b := range done {
		newerCount := len(done) - 1 - i
		pastGenerations := keepGenerations <= 0 || newerCount >= keepGenerations
		pastAge := keepDays <= 0 || b.StartTime.Before(cutoff)
		candidate[i] = pastGenerations && pastAge
	}

	reachable := make([]bool, len(done))
	for i := range done {
		if !candidate[i] {
			reachable[i] = true
		}
	}
	// Walk forward from every retained incremental, marking its base
	// reachable, repeating until no more bases are newly marked: a kept
	// incremental's base must be kept even if the base alone looks old
	// enough to prune, and that base's own base (if any) must too.
	for changed := true; changed; {
		changed = false
		for i, b := range done {
			if !reachable[i] || b.Mode != ModeIncremental {
				continue
			}
			baseIdx := latestEligibleBaseIndex(done, i, b.Timeline)
			if baseIdx >= 0 && !reachable[baseIdx] {
				reachable[baseIdx] = true
				changed = true
			}
		}
	}

	var plan RetentionPlan
	for i, b := range done {
		if candidate[i] && !reachable[i] {
			plan.Delete = append(plan.Delete, b)
		} else {
			plan.Keep = append(plan.Keep, b)
		}
	}
	return plan
}

// latestEligibleBaseIndex returns the index in done (sorted ascending by
// StartTime) of the backup that served as the incremental base for
// done[i] at the time it was taken: the most recent eligible backup
// strictly before it on the same timeline.
func latestEligibleBaseIndex(done []Backup, i int, timeline uint32) int {
	for j := i - 1; j >= 0; j-- {
		if done[j].EligibleAsBase(timeline) {
			return j
		}
	}
	return -1
}

// Delete marks b DELETED in its metadata and removes its directory tree.
func (c *Catalog) Delete(b Backup) error {
	b.Status = StatusDeleted
	if err := WriteMetadata(c.Root, b); err != nil {
		return err
	}
	return os.RemoveAll(b.Dir(c.Root))
}

var segmentNameRE = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)
var historyNameRE = regexp.MustCompile(`^[0-9A-Fa-f]{8}\.history$`)

// PruneArchiveFiles deletes files from dir that are both older than
// now-keepDays and beyond the newest keepFiles (ranked by mtime
// descending). Only complete WAL segment names are candidates for
// removal; "<tli>.history" files are always retained regardless of age
// or rank.
func PruneArchiveFiles(dir string, keepFiles int, keepDays int, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", dir, err)
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var names []candidate
	for _, e := range entries {
		if e.IsDir() || historyNameRE.MatchString(e.Name()) || !segmentNameRE.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("catalog: stat %s: %w", e.Name(), err)
		}
		names = append(names, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(names, func(i, j int) bool { return names[i].modTime.After(names[j].modTime) })

	cutoff := now.AddDate(0, 0, -keepDays)
	var removed []string
	for i, c := range names {
		pastCount := keepFiles <= 0 || i >= keepFiles
		pastAge := keepDays <= 0 || c.modTime.Before(cutoff)
		if !pastCount || !pastAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, c.name)); err != nil {
			return removed, fmt.Errorf("catalog: remove %s: %w", c.name, err)
		}
		removed = append(removed, c.name)
	}
	return removed, nil
}
