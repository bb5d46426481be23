package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Definition string
	File       string
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema <collection> <version>",
		Short: "Register a schema version on a node",
		Long: `Register a schema version on a node. Schema definitions are node-local
configuration: register the same definitions on every node of a pair.

Example:
  quillctl schema users 1 --file users.schema.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				return fmt.Errorf("version must be a positive integer, got %q", args[1])
			}

			definition := []byte(opts.Definition)
			if opts.File != "" {
				data, err := os.ReadFile(opts.File)
				if err != nil {
					return fmt.Errorf("read definition file: %w", err)
				}
				definition = data
			}
			if !json.Valid(definition) {
				return fmt.Errorf("schema definition must be valid JSON")
			}

			err = opts.doJSON(http.MethodPost, "/v1/schemas", map[string]interface{}{
				"collection": args[0],
				"version":    version,
				"definition": json.RawMessage(definition),
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s version %d\n", args[0], version)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Definition, "definition", "", "schema definition as JSON")
	cmd.Flags().StringVar(&opts.File, "file", "", "file containing the schema definition")

	return cmd
}
