package storage

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
)

// ApplyRetention lists the backups of the source named by prefix and
// deletes those the cycle config's retention policy does not keep. Only
// files named exactly <prefix><timestamp>.zip are considered, so sources
// sharing a name prefix never prune each other. A zero policy deletes
// nothing. Returns the number of backups deleted.
func ApplyRetention(ctx context.Context, p Pruner, cfg *config.Config, prefix string, logger zerolog.Logger) (int, error) {
	policy := cfg.Retention
	if policy.IsZero() {
		return 0, nil
	}

	listed, err := p.List(ctx, cfg, prefix)
	if err != nil {
		return 0, err
	}
	backups := FilterSnapshots(listed, prefix)
	if len(backups) == 0 {
		return 0, nil
	}

	toKeep := selectBackupsToKeep(backups, policy)

	deleted := 0
	for _, b := range backups {
		if _, keep := toKeep[b.Key]; keep {
			continue
		}
		if err := p.Delete(ctx, cfg, b.Key); err != nil {
			logger.Warn().Err(err).Str("key", b.Key).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}

	return deleted, nil
}

// FilterSnapshots keeps the backups whose file name is a snapshot name of
// the source that prefix belongs to.
func FilterSnapshots(backups []BackupMetadata, prefix string) []BackupMetadata {
	var out []BackupMetadata
	for _, b := range backups {
		if _, ok := snapshot.ParseName(prefix, b.FileName); ok {
			out = append(out, b)
		}
	}
	return out
}

// selectBackupsToKeep returns a set of backup keys that should be retained.
// The algorithm is modeled after restic/PBS/Borg: each backup is assigned to
// time buckets, and the newest backup in each bucket is kept.
func selectBackupsToKeep(backups []BackupMetadata, policy config.RetentionPolicy) map[string]struct{} {
	keep := make(map[string]struct{})
	sorted := sortedNewestFirst(backups)

	for i := 0; i < policy.KeepLast && i < len(sorted); i++ {
		keep[sorted[i].Key] = struct{}{}
	}

	for _, def := range bucketDefs(policy) {
		if def.count > 0 {
			markByBucket(sorted, def.count, def.truncate, keep)
		}
	}

	return keep
}

type bucketDef struct {
	count    int
	truncate func(time.Time) time.Time
	label    string
}

func bucketDefs(policy config.RetentionPolicy) []bucketDef {
	return []bucketDef{
		{policy.KeepHourly, truncateHour, "hourly"},
		{policy.KeepDaily, truncateDay, "daily"},
		{policy.KeepWeekly, truncateWeek, "weekly"},
		{policy.KeepMonthly, truncateMonth, "monthly"},
		{policy.KeepYearly, truncateYear, "yearly"},
	}
}

func sortedNewestFirst(backups []BackupMetadata) []BackupMetadata {
	sorted := make([]BackupMetadata, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted
}

// markByBucket walks backups newest-first, assigns each to a time bucket using
// the truncation function, and keeps the newest backup in up to `count` distinct buckets.
func markByBucket(sortedNewestFirst []BackupMetadata, count int, truncate func(time.Time) time.Time, keep map[string]struct{}) {
	seen := make(map[time.Time]bool)
	for _, b := range sortedNewestFirst {
		bucket := truncate(b.CreatedAt)
		if !seen[bucket] {
			seen[bucket] = true
			keep[b.Key] = struct{}{}
			if len(seen) >= count {
				return
			}
		}
	}
}

func truncateHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func truncateWeek(t time.Time) time.Time {
	// ISO week: Monday is the first day
	year, week := t.ISOWeek()
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, t.Location())
	weekday := jan4.Weekday()
	if weekday == 0 {
		weekday = 7
	}
	return jan4.AddDate(0, 0, -(int(weekday)-1)+(week-1)*7)
}

func truncateMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func truncateYear(t time.Time) time.Time {
	return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
}

// ClassifyRetentionBuckets returns a map from backup key to the retention
// bucket labels (e.g. "daily", "weekly") that justify keeping it. Backups
// that would be pruned are mapped to an empty slice.
func ClassifyRetentionBuckets(backups []BackupMetadata, policy config.RetentionPolicy) map[string][]string {
	labels := make(map[string][]string, len(backups))
	for _, b := range backups {
		labels[b.Key] = nil
	}

	sorted := sortedNewestFirst(backups)

	for i := 0; i < policy.KeepLast && i < len(sorted); i++ {
		labels[sorted[i].Key] = append(labels[sorted[i].Key], "latest")
	}

	for _, def := range bucketDefs(policy) {
		if def.count <= 0 {
			continue
		}
		seen := make(map[time.Time]bool)
		for _, b := range sorted {
			bucket := def.truncate(b.CreatedAt)
			if !seen[bucket] {
				seen[bucket] = true
				labels[b.Key] = append(labels[b.Key], def.label)
				if len(seen) >= def.count {
					break
				}
			}
		}
	}

	return labels
}
