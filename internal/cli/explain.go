package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/quillstore/quill/internal/model"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	Collection string
	Key        string
	Bound      uint64
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain <operation>",
		Short: "Trace how the node would decide an operation",
		Long: `Trace how the node would decide an operation without performing it.
The trace lists every rule consulted, the state observed and the outcome,
and is deterministic for identical state.

Operations: write, read, open_read_view.

Example:
  quillctl explain read --collection users --key alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "write", "read":
				if opts.Collection == "" || opts.Key == "" {
					return fmt.Errorf("%s traces require --collection and --key", args[0])
				}
			case "open_read_view":
			default:
				return fmt.Errorf("unknown operation %q", args[0])
			}

			var trace model.Trace
			err := opts.doJSON(http.MethodPost, "/v1/explain", map[string]interface{}{
				"operation":  args[0],
				"collection": opts.Collection,
				"key":        opts.Key,
				"bound":      opts.Bound,
			}, &trace)
			if err != nil {
				return err
			}
			return printJSON(cmd, trace)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "target collection")
	cmd.Flags().StringVar(&opts.Key, "key", "", "target key")
	cmd.Flags().Uint64Var(&opts.Bound, "bound", 0, "read upper bound (0 means the current horizon)")

	return cmd
}
