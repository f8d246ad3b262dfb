package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/linkd/internal/radio"
)

var servicesCmd = &cobra.Command{
	Use:   "services <device-name>",
	Short: "List the capabilities of a device",
	Long: `Connect to the named device, list its capabilities and the
operations each one supports, then disconnect.`,
	Args: cobra.ExactArgs(1),
	RunE: runServices,
}

var servicesTimeout time.Duration

var capabilityOps = []string{radio.OpRead, radio.OpWrite, radio.OpStart, radio.OpStop, radio.OpTurnOn, radio.OpTurnOff}

func init() {
	servicesCmd.Flags().DurationVarP(&servicesTimeout, "timeout", "t", 0, "Discovery timeout (default from config)")
}

func runServices(cmd *cobra.Command, args []string) error {
	name := args[0]
	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	conns := s.coord.Connections()
	rec, err := conns.Connect(ctx, name, servicesTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = conns.Disconnect(context.WithoutCancel(ctx), name) }()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPABILITY\tNOTIFY\tOPERATIONS")
	for _, capName := range rec.CapabilityNames() {
		c := rec.Capabilities[capName]
		var ops []string
		for _, op := range capabilityOps {
			if c.Supports(op) {
				ops = append(ops, op)
			}
		}
		notify := "no"
		if c.CanNotify() {
			notify = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", capName, notify, strings.Join(ops, ","))
	}
	return w.Flush()
}
