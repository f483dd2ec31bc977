package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3cpo-dev/rollout/pkg/api"
)

const backupStamp = "20060102_150405"

// BackupName is the file name of a backup of store taken at t:
// <stem>_<YYYYMMDD_HHMMSS><ext>.
func BackupName(store string, t time.Time) string {
	base := path.Base(store)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + t.Format(backupStamp) + ext
}

// isBackupName reports whether name is a backup of store. Anything else in the
// backup directory is left alone by pruning.
func isBackupName(name, store string) bool {
	base := path.Base(store)
	ext := path.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "_"
	if len(name) != len(prefix)+len(backupStamp)+len(ext) || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
		return false
	}
	_, err := time.Parse(backupStamp, name[len(prefix):len(name)-len(ext)])
	return err == nil
}

// Backup copies the data store into the backup directory and prunes backups
// past retention. A missing store is an error and creates nothing.
func (o *Orchestrator) Backup(ctx context.Context) (api.Report, error) {
	return o.execute(ctx, "backup", func(r *run) []Step {
		return []Step{
			r.lockStep(),
			r.backupStep(true),
			r.pruneStep(),
		}
	})
}

// backupStep copies the store. When required is false a missing store only
// warns: the first deploy happens before the app ever wrote its database.
func (r *run) backupStep(required bool) Step {
	src := r.o.cfg.DataStorePath()
	return Step{
		Name: "back up data store",
		Run: func(ctx context.Context) error {
			info, err := r.o.FS.Stat(src)
			if errors.Is(err, fs.ErrNotExist) {
				if required {
					return failf(ErrPrecondition, "data store %s not found", src)
				}
				return warned("data store %s not found, nothing to back up", src)
			}
			if err != nil {
				return err
			}
			rec, err := r.o.copyBackup(ctx, src, info.Size())
			if err != nil {
				return err
			}
			r.report.Backup = rec
			r.o.Metrics.ObserveBackup(rec.Timestamp, rec.Size, 0)
			r.log.Info().Str("path", rec.DestinationPath).Int64("size", rec.Size).Msg("backup written")
			return completed("%s (%s)", rec.DestinationPath, humanize.IBytes(uint64(rec.Size)))
		},
	}
}

func (o *Orchestrator) copyBackup(ctx context.Context, src string, size int64) (*api.BackupRecord, error) {
	dir := o.cfg.BackupDir()
	if err := o.FS.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	ts := o.Now()
	dst := path.Join(dir, BackupName(src, ts))
	tmp := dst + ".partial"

	in, err := o.FS.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	out, err := o.FS.Create(tmp, 0o600)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(out, ctxReader{ctx, in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = fmt.Errorf("copied %d bytes, store has %d", n, size)
	}
	if err == nil {
		var info fs.FileInfo
		if info, err = o.FS.Stat(tmp); err == nil && info.Size() != n {
			err = fmt.Errorf("backup is %d bytes on disk, copied %d", info.Size(), n)
		}
	}
	if err == nil {
		err = o.FS.Rename(tmp, dst)
	}
	if err != nil {
		_ = o.FS.Remove(tmp)
		return nil, fmt.Errorf("copy %s: %w", src, err)
	}
	return &api.BackupRecord{SourcePath: src, DestinationPath: dst, Timestamp: ts, Size: n}, nil
}

func (r *run) pruneStep() Step {
	return Step{
		Name: "prune old backups",
		Run: func(ctx context.Context) error {
			removed, err := r.o.Prune(ctx)
			if rec := r.report.Backup; rec != nil {
				r.o.Metrics.ObserveBackup(rec.Timestamp, rec.Size, len(removed))
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				return skipped("nothing older than %s", days(r.o.cfg.Retention()))
			}
			return completed("removed %d older than %s", len(removed), days(r.o.cfg.Retention()))
		},
	}
}

// Prune deletes backups whose modification time is older than the retention
// period and returns their paths. Files not named like a backup are kept.
func (o *Orchestrator) Prune(ctx context.Context) ([]string, error) {
	backups, err := o.listBackups()
	if err != nil {
		return nil, err
	}
	cutoff := o.Now().Add(-o.cfg.Retention())
	var removed []string
	var errs []error
	for _, b := range backups {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !b.ModTime().Before(cutoff) {
			continue
		}
		p := path.Join(o.cfg.BackupDir(), b.Name())
		if err := o.FS.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}

// listBackups returns the backups of the data store, newest first.
func (o *Orchestrator) listBackups() ([]fs.FileInfo, error) {
	entries, err := o.FS.ReadDir(o.cfg.BackupDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	store := o.cfg.DataStorePath()
	var out []fs.FileInfo
	for _, e := range entries {
		if e.Mode().IsRegular() && isBackupName(e.Name(), store) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime().After(out[j].ModTime()) })
	return out, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func days(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}
