package cli

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quillstore/quill/internal/model"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a node's role and replication position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status model.ReplicationStatus
			if err := rootOpts.doJSON(http.MethodGet, "/v1/replication/status", nil, &status); err != nil {
				return err
			}
			var role struct {
				Role  model.NodeRole `json:"role"`
				Epoch uint64         `json:"epoch"`
			}
			if err := rootOpts.doJSON(http.MethodGet, "/v1/role", nil, &role); err != nil {
				return err
			}

			return printJSON(cmd, map[string]interface{}{
				"node_id":        status.NodeID,
				"role":           role.Role,
				"epoch":          role.Epoch,
				"mode":           status.Mode,
				"applied_offset": status.AppliedOffset,
				"commit_horizon": status.CommitHorizon,
				"authority_seq":  status.AuthoritySeq,
				"lag":            status.Lag,
			})
		},
	}
}
