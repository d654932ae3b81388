package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
)

func makeBackup(key string, created time.Time) BackupMetadata {
	return BackupMetadata{
		Key:       key,
		FileName:  snapshot.FormatName("world", created),
		Size:      1024,
		CreatedAt: created,
	}
}

func TestSelectBackupsToKeep_KeepLast(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	backups := []BackupMetadata{
		makeBackup("b1", now.Add(-3*time.Hour)),
		makeBackup("b2", now.Add(-2*time.Hour)),
		makeBackup("b3", now.Add(-1*time.Hour)),
		makeBackup("b4", now),
	}
	policy := config.RetentionPolicy{KeepLast: 2}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["b4"]; !ok {
		t.Error("expected b4 (newest) to be kept")
	}
	if _, ok := keep["b3"]; !ok {
		t.Error("expected b3 (second newest) to be kept")
	}
	if _, ok := keep["b2"]; ok {
		t.Error("expected b2 to be pruned")
	}
	if _, ok := keep["b1"]; ok {
		t.Error("expected b1 to be pruned")
	}
}

func TestSelectBackupsToKeep_KeepHourly(t *testing.T) {
	base := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	backups := []BackupMetadata{
		makeBackup("h10a", base.Add(15*time.Minute)),
		makeBackup("h10b", base.Add(45*time.Minute)),
		makeBackup("h11a", base.Add(75*time.Minute)),
		makeBackup("h11b", base.Add(105*time.Minute)),
	}
	policy := config.RetentionPolicy{KeepHourly: 2}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["h11b"]; !ok {
		t.Error("expected h11b (newest in 11:xx bucket) to be kept")
	}
	if _, ok := keep["h10b"]; !ok {
		t.Error("expected h10b (newest in 10:xx bucket) to be kept")
	}
	if len(keep) != 2 {
		t.Errorf("expected 2 kept, got %d", len(keep))
	}
}

func TestSelectBackupsToKeep_KeepDaily(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("d1a", time.Date(2026, 6, 13, 8, 0, 0, 0, time.UTC)),
		makeBackup("d1b", time.Date(2026, 6, 13, 20, 0, 0, 0, time.UTC)),
		makeBackup("d2", time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)),
		makeBackup("d3", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{KeepDaily: 3}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["d3"]; !ok {
		t.Error("expected d3 to be kept")
	}
	if _, ok := keep["d2"]; !ok {
		t.Error("expected d2 to be kept")
	}
	if _, ok := keep["d1b"]; !ok {
		t.Error("expected d1b (newest on June 13) to be kept")
	}
	if _, ok := keep["d1a"]; ok {
		t.Error("expected d1a (older on June 13) to be pruned")
	}
}

func TestSelectBackupsToKeep_KeepWeekly(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("w1", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)),
		makeBackup("w2", time.Date(2026, 6, 8, 12, 0, 0, 0, time.UTC)),
		makeBackup("w3", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("w4", time.Date(2026, 6, 16, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{KeepWeekly: 2}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["w4"]; !ok {
		t.Error("expected w4 (newest in Week 25) to be kept")
	}
	if _, ok := keep["w2"]; !ok {
		t.Error("expected w2 (Week 24) to be kept")
	}
	if len(keep) != 2 {
		t.Errorf("expected 2 kept, got %d", len(keep))
	}
}

func TestSelectBackupsToKeep_KeepMonthly(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("m1", time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("m2", time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)),
		makeBackup("m3", time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)),
		makeBackup("m4", time.Date(2026, 6, 5, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{KeepMonthly: 3}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["m4"]; !ok {
		t.Error("expected m4 (June) to be kept")
	}
	if _, ok := keep["m3"]; !ok {
		t.Error("expected m3 (May) to be kept")
	}
	if _, ok := keep["m2"]; !ok {
		t.Error("expected m2 (April) to be kept")
	}
	if _, ok := keep["m1"]; ok {
		t.Error("expected m1 (March) to be pruned")
	}
}

func TestSelectBackupsToKeep_KeepYearly(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("y1", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("y2", time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("y3", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{KeepYearly: 2}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["y3"]; !ok {
		t.Error("expected y3 (2026) to be kept")
	}
	if _, ok := keep["y2"]; !ok {
		t.Error("expected y2 (2025) to be kept")
	}
	if _, ok := keep["y1"]; ok {
		t.Error("expected y1 (2024) to be pruned")
	}
}

func TestSelectBackupsToKeep_CombinedPolicy(t *testing.T) {
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	var backups []BackupMetadata
	for i := 0; i < 30; i++ {
		ts := now.AddDate(0, 0, -i)
		backups = append(backups, makeBackup("d"+ts.Format("0102"), ts))
	}
	policy := config.RetentionPolicy{
		KeepLast:   3,
		KeepDaily:  7,
		KeepWeekly: 4,
	}
	keep := selectBackupsToKeep(backups, policy)
	if _, ok := keep["d0630"]; !ok {
		t.Error("expected d0630 to be kept (keepLast)")
	}
	if _, ok := keep["d0629"]; !ok {
		t.Error("expected d0629 to be kept (keepLast)")
	}
	if _, ok := keep["d0628"]; !ok {
		t.Error("expected d0628 to be kept (keepLast)")
	}
	if len(keep) > 14 {
		t.Errorf("expected at most ~14 kept (3+7+4), got %d", len(keep))
	}
	if len(keep) < 7 {
		t.Errorf("expected at least 7 kept, got %d", len(keep))
	}
}

func TestSelectBackupsToKeep_EmptyBackups(t *testing.T) {
	policy := config.RetentionPolicy{KeepLast: 5, KeepDaily: 7}
	keep := selectBackupsToKeep(nil, policy)
	if len(keep) != 0 {
		t.Errorf("expected 0 kept for empty backups, got %d", len(keep))
	}
}

func TestSelectBackupsToKeep_ZeroPolicy(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("b1", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("b2", time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{}
	keep := selectBackupsToKeep(backups, policy)
	if len(keep) != 0 {
		t.Errorf("expected 0 kept for zero policy, got %d", len(keep))
	}
}

func TestSelectBackupsToKeep_KeepLastExceedsTotal(t *testing.T) {
	backups := []BackupMetadata{
		makeBackup("b1", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
		makeBackup("b2", time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)),
	}
	policy := config.RetentionPolicy{KeepLast: 10}
	keep := selectBackupsToKeep(backups, policy)
	if len(keep) != 2 {
		t.Errorf("expected 2 kept, got %d", len(keep))
	}
}

func TestClassifyRetentionBuckets(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	backups := []BackupMetadata{
		makeBackup("a", now),
		makeBackup("b", now.Add(-time.Hour)),
		makeBackup("c", now.AddDate(0, 0, -1)),
	}
	labels := ClassifyRetentionBuckets(backups, config.RetentionPolicy{KeepLast: 1, KeepDaily: 2})
	assert.Equal(t, []string{"latest", "daily"}, labels["a"])
	assert.Empty(t, labels["b"])
	assert.Equal(t, []string{"daily"}, labels["c"])
}

type fakePruner struct {
	backups   []BackupMetadata
	deleted   []string
	failOn    string
	listErr   error
	listCalls int
}

func (f *fakePruner) List(ctx context.Context, cfg *config.Config, prefix string) ([]BackupMetadata, error) {
	f.listCalls++
	return f.backups, f.listErr
}

func (f *fakePruner) Delete(ctx context.Context, cfg *config.Config, key string) error {
	if key == f.failOn {
		return errors.New("delete refused")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func TestApplyRetention(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	p := &fakePruner{backups: []BackupMetadata{
		makeBackup("b1", now.Add(-3*time.Hour)),
		makeBackup("b2", now.Add(-2*time.Hour)),
		makeBackup("b3", now.Add(-1*time.Hour)),
		makeBackup("b4", now),
	}, failOn: "b1"}
	cfg := config.Default()
	cfg.Retention = config.RetentionPolicy{KeepLast: 2}

	deleted, err := ApplyRetention(context.Background(), p, cfg, "world_", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"b2"}, p.deleted)
}

func TestApplyRetention_ZeroPolicyDeletesNothing(t *testing.T) {
	p := &fakePruner{backups: []BackupMetadata{makeBackup("b1", time.Now())}}
	deleted, err := ApplyRetention(context.Background(), p, config.Default(), "world_", zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Zero(t, p.listCalls, "a zero policy must not even list")
}

func TestApplyRetention_ListError(t *testing.T) {
	p := &fakePruner{listErr: errors.New("boom")}
	cfg := config.Default()
	cfg.Retention.KeepLast = 1
	_, err := ApplyRetention(context.Background(), p, cfg, "world_", zerolog.Nop())
	assert.Error(t, err)
}

func TestApplyRetention_OnlyOwnSource(t *testing.T) {
	now := time.Date(2026, 10, 17, 16, 52, 33, 0, time.UTC)
	nether := func(key string, created time.Time) BackupMetadata {
		b := makeBackup(key, created)
		b.FileName = snapshot.FormatName("world_nether", created)
		return b
	}
	p := &fakePruner{backups: []BackupMetadata{
		nether("n1", now.Add(-2*time.Hour)),
		nether("n2", now.Add(-1*time.Hour)),
		makeBackup("w1", now.Add(-3*time.Hour)),
		makeBackup("w2", now),
		{Key: "stray", FileName: "world_notes.zip", CreatedAt: now.Add(-time.Hour)},
	}}
	cfg := config.Default()
	cfg.Retention = config.RetentionPolicy{KeepLast: 1}

	deleted, err := ApplyRetention(context.Background(), p, cfg, "world_", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"w1"}, p.deleted)
}

func TestFilterSnapshots(t *testing.T) {
	ts := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	backups := []BackupMetadata{
		{Key: "a", FileName: "world_2026-02-06T120000Z.zip"},
		{Key: "b", FileName: "world_nether_2026-02-06T120000Z.zip"},
		{Key: "c", FileName: "world_2026-02-06T120000Z.zip.part"},
		{Key: "d", FileName: "world_.zip"},
		{Key: "e", FileName: snapshot.FormatName("world", ts)},
	}
	got := FilterSnapshots(backups, "world_")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "e", got[1].Key)
	assert.Empty(t, FilterSnapshots(backups, "world_nether"))
	assert.Len(t, FilterSnapshots(backups, "world_nether_"), 1)
}
