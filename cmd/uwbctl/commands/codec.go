package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

func encodeCmd() *cobra.Command {
	var (
		address   string
		channel   int
		preamble  int
		sessionID int32
		key       string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a parameter frame and print it as hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := uwb.ParseAddress(address)
			if err != nil {
				return err
			}
			keyInfo, err := parseHex(key)
			if err != nil {
				return fmt.Errorf("invalid key: %w", err)
			}
			frame, err := uwb.Encode(uwb.SessionParameters{
				PeerAddress:    addr,
				Channel:        channel,
				PreambleIndex:  preamble,
				SessionID:      sessionID,
				SessionKeyInfo: keyInfo,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(frame))
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "peer address as hex (required)")
	cmd.Flags().IntVar(&channel, "channel", 9, "UWB channel")
	cmd.Flags().IntVar(&preamble, "preamble", 10, "preamble index")
	cmd.Flags().Int32Var(&sessionID, "session-id", 0, "session id")
	cmd.Flags().StringVar(&key, "key", "", "session key info as hex")
	cmd.MarkFlagRequired("address")
	return cmd
}

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Parse a hex parameter frame and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := parseHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid frame: %w", err)
			}
			p, err := uwb.Decode(frame)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer address:   %s\n", p.PeerAddress)
			fmt.Fprintf(out, "Channel:        %d\n", p.Channel)
			fmt.Fprintf(out, "Preamble index: %d\n", p.PreambleIndex)
			fmt.Fprintf(out, "Session ID:     %d\n", p.SessionID)
			fmt.Fprintf(out, "Key info:       %s\n", hex.EncodeToString(p.SessionKeyInfo))
			return nil
		},
	}
	return cmd
}

// parseHex accepts plain hex as well as the spaced or colon separated
// forms debuggers print
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(strings.TrimSpace(s))
	return hex.DecodeString(s)
}
