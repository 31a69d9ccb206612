package snapctlcmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/backend"
	"go.snapstore.dev/core/backend/objectstore"
	"go.snapstore.dev/core/integrity"
	mbp "go.snapstore.dev/core/mainboilerplate"
	"go.snapstore.dev/core/recovery"
	"go.snapstore.dev/core/snapshotstore"
)

type cmdValidate struct {
	OutputConfig
}

type cmdRecover struct {
	recovery.Options
	Format string `long:"format" short:"o" choice:"yaml" choice:"json" default:"yaml" description:"Output format"`
}

type cmdGuidance struct {
	Format string `long:"format" short:"o" choice:"yaml" choice:"json" default:"yaml" description:"Output format"`
}

type cmdCleanup struct {
	Format string `long:"format" short:"o" choice:"yaml" choice:"json" default:"yaml" description:"Output format"`
}

type cmdReady struct{}

type cmdEntity struct {
	Key string `long:"key" required:"true" description:"Entity key"`
}

type cmdSign struct {
	ID  string        `long:"id" required:"true" description:"Snapshot ID (YYYY-MM-DD)"`
	TTL time.Duration `long:"ttl" default:"1h" description:"Duration for which the signed URL is valid"`
}

type cmdMonitor struct {
	Interval     time.Duration `long:"interval" default:"5m" description:"Interval between maintenance passes"`
	AutoRecovery bool          `long:"auto-recovery" description:"Conservatively repair the store when validation finds issues"`
}

func init() {
	CommandRegistry.AddCommand("", "validate", "Validate the store", `
Validate the current pointer and every snapshot of the store, without
modifying it. The command fails if the store is unhealthy.
`, &cmdValidate{})

	CommandRegistry.AddCommand("", "recover", "Repair a corrupted store", `
Validate the store and repair what can be repaired. The current pointer is
rewritten to reference the newest valid successful snapshot, or removed if
there is none. Snapshot contents are never modified.

Corrupted snapshots are removed only with --remove-corrupted, and then only
if a valid snapshot remains (or --force is given). Use --backups to back up
documents before they're rewritten or removed:

>    snapctl recover --backups --remove-corrupted
`, &cmdRecover{})

	CommandRegistry.AddCommand("", "guidance", "Advise on repair of the store", `
Validate the store, and print its classified condition, the urgency of
operator attention, and the steps to repair it.
`, &cmdGuidance{})

	CommandRegistry.AddCommand("", "cleanup", "Apply retention to the store", `
Remove snapshots beyond the configured retention (see --store.retention.*),
and corrupted snapshots. The newest successful snapshot and the target of the
current pointer are always kept.
`, &cmdCleanup{})

	CommandRegistry.AddCommand("", "ready", "Check the store is ready", `
Verify the store's backend is reachable and writable, by writing and
removing a probe document.
`, &cmdReady{})

	CommandRegistry.AddCommand("", "entity", "List snapshots containing an entity", `
List the IDs of snapshots which contain the entity --key, newest first.
Requires an entity index (--store.index).
`, &cmdEntity{})

	CommandRegistry.AddCommand("", "sign", "Print a signed URL of a snapshot", `
Print a pre-signed URL from which the snapshot --id may be fetched without
credentials. Supported only by object-store backends (s3, gs, azure).
`, &cmdSign{})

	CommandRegistry.AddCommand("", "monitor", "Continuously maintain the store", `
Run until signaled, periodically validating the store and applying
retention. Metrics and readiness are served if --debug.port is set.
`, &cmdMonitor{})
}

func (cmd *cmdValidate) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var report, err = store.ValidateIntegrity(ctx)
		if err != nil {
			return err
		}
		if err = writeDocument(cmd.Format, report, func() { writeReportTable(report) }); err != nil {
			return err
		} else if !report.IsHealthy {
			return errors.New("store is unhealthy (see `snapctl guidance`)")
		}
		return nil
	})
}

func (cmd *cmdRecover) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var res, err = store.RecoverFromCorruption(ctx, cmd.Options)
		if err != nil {
			return err
		}
		if err = writeDocument(cmd.Format, res, nil); err != nil {
			return err
		} else if !res.Success {
			return errors.New("recovery did not succeed (see manualStepsRequired)")
		}
		return nil
	})
}

func (cmd *cmdGuidance) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var g, err = store.GetRecoveryGuidance(ctx)
		if err != nil {
			return err
		}
		return writeDocument(cmd.Format, g, nil)
	})
}

func (cmd *cmdCleanup) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		return writeDocument(cmd.Format, store.Cleanup(ctx), nil)
	})
}

func (cmd *cmdReady) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		if err := store.CheckReady(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintf(stdout, "%s backend is ready\n", store.Backend().Provider())
		return err
	})
}

func (cmd *cmdEntity) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var ids, err = store.SnapshotsForEntity(ctx, cmd.Key)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err = fmt.Fprintln(stdout, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (cmd *cmdSign) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var b = store.Backend()
		if g, ok := b.(*backend.Guarded); ok {
			b = g.Unwrap()
		}
		var ob, ok = b.(*objectstore.Backend)
		if !ok {
			return fmt.Errorf("%s backend doesn't support signed URLs", b.Provider())
		}
		var signed, err = ob.SignSnapshotURL(ctx, cmd.ID, cmd.TTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, signed)
		return err
	})
}

func (cmd *cmdMonitor) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics, func() error {
			var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return store.CheckReady(ctx)
		})()

		log.WithFields(log.Fields{
			"backend":  store.Backend().Provider(),
			"interval": cmd.Interval,
			"version":  mbp.Version,
		}).Info("monitoring snapshot store")

		// In-flight maintenance is cancelled upon a signal.
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		var ticker = time.NewTicker(cmd.Interval)
		defer ticker.Stop()

		for {
			cmd.maintain(ctx, store)

			select {
			case <-ctx.Done():
				log.Info("caught signal; exiting")
				return nil
			case <-ticker.C:
			}
		}
	})
}

// maintain runs one pass of validation, optional recovery, and retention.
func (cmd *cmdMonitor) maintain(ctx context.Context, store *snapshotstore.Store) {
	var started = time.Now()

	var report, err = store.ValidateIntegrity(ctx)
	if err != nil {
		log.WithField("err", err).Warn("failed to validate store")
	} else if !report.IsHealthy {
		log.WithFields(log.Fields{
			"issues":    report.Issues,
			"corrupted": report.CorruptedIDs,
		}).Warn("store is unhealthy")

		if cmd.AutoRecovery {
			var res, err = store.RecoverFromCorruption(ctx, recovery.ConservativeOptions())
			if err != nil {
				log.WithField("err", err).Warn("failed to recover store")
			} else {
				log.WithFields(log.Fields{
					"type":    res.RecoveryType,
					"success": res.Success,
					"actions": res.ActionsTaken,
				}).Info("recovered store")
			}
		}
	}

	var cleanup = store.Cleanup(ctx)
	log.WithFields(log.Fields{
		"deleted":  len(cleanup.Deleted),
		"kept":     len(cleanup.Kept),
		"warnings": len(cleanup.Warnings),
		"took":     time.Since(started),
	}).Info("completed maintenance pass")
}

func writeReportTable(report integrity.StoreReport) {
	var table = tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"ID", "Valid", "Status", "Size", "Issues"})

	for _, r := range report.Snapshots {
		var issues []string
		for _, issue := range r.Issues {
			issues = append(issues, issue.String())
		}
		var id = r.ID
		if id == report.Pointer.Pointer.SnapshotID {
			id += " (current)"
		}
		table.Append([]string{
			id,
			fmt.Sprintf("%t", r.IsValid),
			string(r.Status),
			humanize.Bytes(uint64(r.SizeBytes)),
			strings.Join(issues, "; "),
		})
	}
	table.Render()

	var health = "healthy"
	if !report.IsHealthy {
		health = "unhealthy"
	}
	fmt.Fprintf(stdout, "Store is %s (checked %s).\n", health, humanize.Time(report.CheckedAt))
	for _, issue := range report.Issues {
		fmt.Fprintf(stdout, "  - %s\n", issue)
	}
}
