package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/registry"
	"golang.org/x/term"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Linking devices",
	Long: `Scan for nearby devices and list them with their signal strength,
estimated distance and the beacon services they advertise.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

// watchRefresh is the table redraw period in watch mode
const watchRefresh = time.Second

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Scan until interrupted and redraw the table")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	out := cmd.OutOrStdout()

	if scanWatch {
		return watchDevices(ctx, s, out)
	}

	if err := s.coord.Discovery().Sweep(ctx, scanDuration); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return displayDevices(out, s.coord.Registry().List(), scanFormat)
}

func watchDevices(ctx context.Context, s *session, out io.Writer) error {
	arb := s.coord.Arbiter()
	if err := arb.RequestScan(ctx); err != nil {
		return err
	}
	defer func() {
		if err := arb.ReleaseScan(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithField("error", err).Warn("Failed to release scan")
		}
	}()

	ticker := time.NewTicker(watchRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			clearScreen(out)
			if err := displayDevices(out, s.coord.Registry().List(), "table"); err != nil {
				return err
			}
		}
	}
}

func displayDevices(out io.Writer, recs []registry.Record, format string) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tDISTANCE\tBEACONS")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, rec := range recs {
		name := rec.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%.2f m\t%s\n", name, rec.Address, rec.RSSI, rec.Distance, beaconNames(rec.Beacons))
	}
	return w.Flush()
}

func beaconNames(beacons []radio.Beacon) string {
	if len(beacons) == 0 {
		return "-"
	}
	names := make([]string, 0, len(beacons))
	for _, b := range beacons {
		names = append(names, radio.ServiceName(b.ServiceID))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// clearScreen redraws from the top when out is a terminal; other writers get the tables appended
func clearScreen(out io.Writer) {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(out)
		return
	}
	fmt.Fprint(out, "\033[2J\033[H")
}
