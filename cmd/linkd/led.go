package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/radio"
)

var ledCmd = &cobra.Command{
	Use:   "led <device-name>",
	Short: "Turn the LED of a device on or off",
	Args:  cobra.ExactArgs(1),
	RunE:  runLED,
}

var (
	ledColor   string
	ledPattern string
	ledOff     bool
)

func init() {
	ledCmd.Flags().StringVar(&ledColor, "color", "Red", "LED color")
	ledCmd.Flags().StringVar(&ledPattern, "pattern", "Pattern1", "LED pattern")
	ledCmd.Flags().BoolVar(&ledOff, "off", false, "Turn the LED off")
}

func runLED(cmd *cobra.Command, args []string) error {
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
	rec, err := conns.Connect(ctx, name, 0)
	if err != nil {
		return err
	}
	defer func() { _ = conns.Disconnect(context.WithoutCancel(ctx), name) }()

	if _, ok := rec.Capabilities[node.LEDCapability]; !ok {
		return linkerr.New(linkerr.UnsupportedCapability, name, "no led service")
	}

	cmdToSend := radio.Command{Op: radio.OpTurnOff}
	if !ledOff {
		cmdToSend = radio.Command{
			Op:     radio.OpTurnOn,
			Params: map[string]any{"color": ledColor, "pattern": ledPattern},
		}
	}
	res, err := conns.Invoke(ctx, name, node.LEDCapability, cmdToSend)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("LED %s failed. resultCode: %d: %s", cmdToSend.Op, res.Code, res.Text)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: LED %s\n", name, cmdToSend.Op)
	return nil
}
