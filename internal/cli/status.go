package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dumpdriver/internal/config"
	"github.com/ChuLiYu/dumpdriver/internal/server"
	"github.com/ChuLiYu/dumpdriver/internal/snapshot"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run status",
		Long:  "Ask a running driver over gRPC (--addr) or read the last snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchStatus(cmd.Context(), configFile, addr, timeout)
			if err != nil {
				return err
			}
			return renderStatus(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status service address of a running driver")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "gRPC call timeout")

	return cmd
}

func fetchStatus(ctx context.Context, cfgPath, addr string, timeout time.Duration) (*types.RunSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if addr != "" {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return server.FetchStatus(ctx, addr)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return snapshot.NewManager(cfg.Status.SnapshotPath).Load()
}

var statusOrder = []types.RecordStatus{
	types.StatusPending,
	types.StatusDumping,
	types.StatusDumped,
	types.StatusWriting,
	types.StatusDone,
	types.StatusFailed,
}

func renderStatus(w io.Writer, snap *types.RunSnapshot) error {
	state := "running"
	switch {
	case snap.Finished && snap.Error != "":
		state = pterm.Red("aborted: " + snap.Error)
	case snap.Finished:
		state = pterm.Green("finished")
	}

	fmt.Fprintln(w, pterm.DefaultSection.Sprint("Run "+snap.RunID))
	fmt.Fprintf(w, "  datestamp: %s\n", snap.DateStamp)
	fmt.Fprintf(w, "  started:   %s\n", snap.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  updated:   %s\n", snap.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  state:     %s\n", state)

	counts := pterm.TableData{{"Status", "Records"}}
	for _, st := range statusOrder {
		counts = append(counts, []string{string(st), strconv.Itoa(snap.Counts[st])})
	}
	if err := writeTable(w, "Records", counts); err != nil {
		return err
	}

	records := pterm.TableData{{"Serial", "Disk", "Status", "Level", "Prio", "Try", "Worker", "KB", "Note"}}
	views := append([]types.RecordView(nil), snap.Records...)
	sort.SliceStable(views, func(i, j int) bool { return views[i].Serial < views[j].Serial })
	for _, r := range views {
		level := strconv.Itoa(r.Level)
		if r.Degraded {
			level += " (degraded)"
		}
		note := r.Error
		if r.NoSpace {
			note = "no holding space"
		}
		records = append(records, []string{
			r.Serial,
			r.Host + ":" + r.Disk,
			colorStatus(r.Status),
			level,
			strconv.Itoa(r.Priority),
			strconv.Itoa(r.Attempt),
			r.Worker,
			strconv.FormatInt(r.ActSizeKB, 10),
			note,
		})
	}
	if len(views) > 0 {
		if err := writeTable(w, "Dumps", records); err != nil {
			return err
		}
	}

	slots := pterm.TableData{{"Slot", "Kind", "Pid", "State", "Serial"}}
	for _, s := range snap.Slots {
		st := "idle"
		switch {
		case s.Down:
			st = pterm.Red("down")
		case s.Busy:
			st = pterm.Yellow("busy")
		}
		slots = append(slots, []string{s.Name, s.Kind, strconv.Itoa(s.Pid), st, s.Serial})
	}
	if len(snap.Slots) > 0 {
		if err := writeTable(w, "Workers", slots); err != nil {
			return err
		}
	}

	holding := pterm.TableData{{"Disk", "Path", "Capacity KB", "Allocated KB", "Writers"}}
	for _, h := range snap.Holding {
		writers := strconv.Itoa(h.Writers)
		if h.MaxWriters > 0 {
			writers += "/" + strconv.Itoa(h.MaxWriters)
		}
		holding = append(holding, []string{
			h.Name,
			h.Path,
			strconv.FormatInt(h.CapacityKB, 10),
			strconv.FormatInt(h.AllocatedKB, 10),
			writers,
		})
	}
	if len(snap.Holding) > 0 {
		if err := writeTable(w, "Holding disks", holding); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, title string, data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, pterm.DefaultSection.Sprint(title))
	fmt.Fprintln(w, out)
	return nil
}

func colorStatus(s types.RecordStatus) string {
	switch s {
	case types.StatusDone:
		return pterm.Green(string(s))
	case types.StatusFailed:
		return pterm.Red(string(s))
	case types.StatusDumping, types.StatusWriting:
		return pterm.Yellow(string(s))
	default:
		return string(s)
	}
}
