package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewPromoteCommand creates the promote command.
func NewPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Promote the target standby to write authority",
		Long: `Promote the target standby to write authority. The standby validates
its own position, fences the old authority at the next epoch, verifies it
holds every acknowledged write, and only then claims authority. A denied
promotion changes nothing on either node.

Point --node at the standby being promoted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Approved bool   `json:"approved"`
				Reason   string `json:"reason,omitempty"`
				Epoch    uint64 `json:"epoch,omitempty"`
				FinalSeq uint64 `json:"final_seq,omitempty"`
			}
			err := rootOpts.doJSON(http.MethodPost, "/v1/promotion", nil, &result)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if !result.Approved {
				return fmt.Errorf("promotion denied: %s", result.Reason)
			}
			return nil
		},
	}
}

// DemoteOptions holds flags for the demote command.
type DemoteOptions struct {
	*RootOptions
	Epoch uint64
}

// NewDemoteCommand creates the demote command.
func NewDemoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demote",
		Short: "Move a fenced node to standby at the transition epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Epoch == 0 {
				return fmt.Errorf("--epoch is required")
			}
			err := opts.doJSON(http.MethodPost, "/v1/role/standby",
				map[string]interface{}{"epoch": opts.Epoch}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node is standby at epoch %d\n", opts.Epoch)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&opts.Epoch, "epoch", 0, "transition epoch the node was fenced at")

	return cmd
}
