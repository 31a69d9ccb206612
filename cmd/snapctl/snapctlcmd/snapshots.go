package snapctlcmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
	"go.snapstore.dev/core/snapshotstore"
)

type cmdLatest struct {
	Any    bool   `long:"any" description:"Print the newest snapshot of any status, rather than the newest successful one"`
	Format string `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format. json prints the complete snapshot"`
}

type cmdGet struct {
	ID     string `long:"id" required:"true" description:"Snapshot ID (YYYY-MM-DD)"`
	View   string `long:"view" choice:"snapshot" choice:"metadata" choice:"manifest" default:"snapshot" description:"Projection of the snapshot to print"`
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"json" description:"Output format. The snapshot view supports only json and table"`
}

type cmdList struct {
	OutputConfig
	Limit              int    `long:"limit" short:"n" default:"0" description:"Maximum number of snapshots to list. Zero lists all"`
	Status             string `long:"status" choice:"success" choice:"partial" choice:"failed" description:"List only snapshots having the status"`
	SchemaVersion      string `long:"schema-version" description:"List only snapshots having the schema version"`
	CalculationVersion string `long:"calculation-version" description:"List only snapshots having the calculation version"`
	After              string `long:"after" description:"List only snapshots created on or after the date (YYYY-MM-DD)"`
	Before             string `long:"before" description:"List only snapshots created before the date (YYYY-MM-DD)"`
	MinEntities        int    `long:"min-entities" description:"List only snapshots having at least this many entities"`
}

type cmdPut struct {
	File string `long:"file" short:"f" default:"-" description:"Path of the JSON snapshot to write. Use '-' for stdin"`
}

type cmdDelete struct {
	ID string `long:"id" required:"true" description:"Snapshot ID (YYYY-MM-DD)"`
}

func init() {
	CommandRegistry.AddCommand("", "latest", "Print the latest successful snapshot", `
Print the latest snapshot having status "success".

If the store's current pointer is missing or damaged, it's repaired as a
side effect, by the same recovery which applications perform.

Print a summary of the snapshot:
>    snapctl latest

Print the complete snapshot document:
>    snapctl latest --format json

Print the newest snapshot of any status:
>    snapctl latest --any
`, &cmdLatest{})

	CommandRegistry.AddCommand("", "get", "Print a snapshot by ID", `
Print the snapshot having --id, or its metadata or manifest.

>    snapctl get --id 2024-01-15
>    snapctl get --id 2024-01-15 --view manifest --format yaml
`, &cmdGet{})

	CommandRegistry.AddCommand("", "list", "List snapshots", `
List snapshot metadata, newest first. Corrupted snapshots are omitted
(use "validate" to find them).

>    snapctl list --status success --after 2024-01-01 --limit 10
`, &cmdList{})

	CommandRegistry.AddCommand("", "put", "Write a snapshot", `
Write a JSON snapshot document read from --file, or stdin. If its status is
"success" it becomes the store's latest snapshot. Retention runs afterward.

>    snapctl put --file ./2024-01-15.json
`, &cmdPut{})

	CommandRegistry.AddCommand("", "delete", "Delete a snapshot", `
Delete the snapshot having --id. If it's the store's latest successful
snapshot, the current pointer is repaired to reference the next newest one.
`, &cmdDelete{})
}

func (cmd *cmdLatest) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var snap *pb.Snapshot
		var err error

		if cmd.Any {
			snap, err = store.GetLatest(ctx)
		} else {
			snap, err = store.GetLatestSuccessful(ctx)
		}
		if err != nil {
			return err
		} else if snap == nil {
			return errors.New("store has no snapshots")
		}
		return writeSnapshot(cmd.Format, snap)
	})
}

func (cmd *cmdGet) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		switch cmd.View {
		case "metadata":
			var md, err = store.GetMetadata(ctx, cmd.ID)
			if err != nil {
				return err
			} else if md == nil {
				return fmt.Errorf("snapshot %s: %w", cmd.ID, backend.ErrNotFound)
			}
			return writeDocument(cmd.Format, md, func() { writeMetadataTable([]pb.Metadata{*md}) })

		case "manifest":
			var m, err = store.GetManifest(ctx, cmd.ID)
			if err != nil {
				return err
			} else if m == nil {
				return fmt.Errorf("snapshot %s: %w", cmd.ID, backend.ErrNotFound)
			}
			return writeDocument(cmd.Format, m, func() { writeManifestTable(m) })

		default:
			var snap, err = store.GetSnapshot(ctx, cmd.ID)
			if err != nil {
				return err
			} else if snap == nil {
				return fmt.Errorf("snapshot %s: %w", cmd.ID, backend.ErrNotFound)
			}
			return writeSnapshot(cmd.Format, snap)
		}
	})
}

func (cmd *cmdList) Execute([]string) error {
	var filter = pb.ListFilter{
		Status:             pb.Status(cmd.Status),
		SchemaVersion:      cmd.SchemaVersion,
		CalculationVersion: cmd.CalculationVersion,
		MinEntityCount:     cmd.MinEntities,
	}
	var err error
	if cmd.After != "" {
		if filter.CreatedAfter, err = pb.ParseID(cmd.After); err != nil {
			return pb.ExtendContext(err, "--after")
		}
	}
	if cmd.Before != "" {
		if filter.CreatedBefore, err = pb.ParseID(cmd.Before); err != nil {
			return pb.ExtendContext(err, "--before")
		}
	}

	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var list, err = store.ListSnapshots(ctx, cmd.Limit, filter)
		if err != nil {
			return err
		}
		return writeDocument(cmd.Format, list, func() { writeMetadataTable(list) })
	})
}

func (cmd *cmdPut) Execute([]string) error {
	var body []byte
	var err error

	if cmd.File == "-" {
		body, err = ioutil.ReadAll(os.Stdin)
	} else {
		body, err = ioutil.ReadFile(cmd.File)
	}
	if err != nil {
		return errors.WithMessage(err, "reading snapshot")
	}
	snap, err := pb.DecodeSnapshot(body)
	if err != nil {
		return err
	}

	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		var res, err = store.WriteSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		return writeYAML(res)
	})
}

func (cmd *cmdDelete) Execute([]string) error {
	return withStore(func(ctx context.Context, store *snapshotstore.Store) error {
		if err := store.DeleteSnapshot(ctx, cmd.ID); err != nil {
			return err
		}
		_, err := fmt.Fprintf(stdout, "deleted snapshot %s\n", cmd.ID)
		return err
	})
}

func writeSnapshot(format string, snap *pb.Snapshot) error {
	if format == "json" {
		var b, err = pb.EncodeSnapshot(snap)
		if err != nil {
			return err
		}
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	var b, _ = pb.EncodeSnapshot(snap)
	writeMetadataTable([]pb.Metadata{pb.BuildMetadata(snap, int64(len(b)))})
	return nil
}

func writeMetadataTable(list []pb.Metadata) {
	var table = tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"ID", "Status", "Created", "Entities", "Errors", "Size", "Schema", "Calculation"})

	for _, md := range list {
		table.Append([]string{
			md.ID,
			string(md.Status),
			md.CreatedAt.Format(time.RFC3339) + " (" + humanize.Time(md.CreatedAt) + ")",
			humanize.Comma(int64(md.EntityCount)),
			strconv.Itoa(md.ErrorCount),
			humanize.Bytes(uint64(md.SizeBytes)),
			md.SchemaVersion,
			md.CalculationVersion,
		})
	}
	table.Render()
}

func writeManifestTable(m *pb.Manifest) {
	var table = tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Key", "Size"})

	for _, e := range m.Entries {
		table.Append([]string{e.Key, humanize.Bytes(uint64(e.SizeBytes))})
	}
	table.Append([]string{fmt.Sprintf("(%d entities)", m.TotalEntities), humanize.Bytes(uint64(m.TotalBytes))})
	table.Render()
}
