package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handshake"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/radio"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging/sim"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

func controllerCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Advertise session parameters and range with the first Controlee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd, uwb.RoleController, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many positions (0 runs until interrupted)")
	return cmd
}

func controleeCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "controlee",
		Short: "Scan for a Controller, fetch its parameters and range with it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd, uwb.RoleControlee, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many positions (0 runs until interrupted)")
	return cmd
}

func runRole(cmd *cobra.Command, role uwb.Role, count int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address, err := cfg.UWB.LocalAddress()
	if err != nil {
		return err
	}

	radios := radio.Open(cfg.BLE)
	defer radios.Close()

	mgr := ranging.NewManager(sim.New(sim.Options{
		Address:        address,
		ComplexChannel: cfg.UWB.ComplexChannel(),
		Interval:       cfg.UWB.Sim.Interval,
		Distance:       cfg.UWB.Sim.Distance,
		PeerLossAfter:  cfg.UWB.Sim.PeerLossAfter,
	}))
	defer mgr.Stop()

	orchestrator := handshake.New(radios.Responder, radios.Initiator, mgr, handshake.Options{
		ServiceID:   cfg.BLE.ServiceUUID(),
		AttributeID: cfg.BLE.AttributeUUID(),
		LocalName:   cfg.BLE.LocalName,
		ScanTimeout: cfg.BLE.ScanTimeout,
		ScanRetries: cfg.Handshake.ScanRetries,
		KeyLength:   cfg.Handshake.KeyLength,
		UpdateRate:  cfg.UWB.UpdateRate,
		Observer: func(s handshake.State) {
			log.Debug().Str("state", string(s)).Msg("Handshake state")
		},
	})

	var stream *ranging.Stream
	if role == uwb.RoleController {
		stream, err = orchestrator.RunAsController(ctx)
	} else {
		stream, err = orchestrator.RunAsControlee(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer stream.Close()

	peer := stream.Config().PeerAddress
	log.Info().Str("role", string(role)).Str("peer", peer.String()).Msg("Ranging started")
	return printEvents(ctx, cmd.OutOrStdout(), stream, count)
}

// printEvents writes one line per event until the stream ends, ctx is done
// or count positions have been printed
func printEvents(ctx context.Context, out io.Writer, stream *ranging.Stream, count int) error {
	positions := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			switch ev.Kind {
			case uwb.EventPositionUpdate:
				fmt.Fprintf(out, "%s distance=%.2fm azimuth=%.1f elevation=%.1f\n",
					ev.Peer, ev.Position.Distance, ev.Position.Azimuth, ev.Position.Elevation)
				positions++
				if count > 0 && positions >= count {
					return nil
				}
			case uwb.EventPeerDisconnected:
				fmt.Fprintf(out, "%s disconnected\n", ev.Peer)
				return nil
			}
		}
	}
}
