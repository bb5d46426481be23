package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	SchemaVersion int
	Body          string
	BodyFile      string
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <collection> <key>",
		Short: "Durably write one document",
		Long: `Durably write one document. The returned commit identity is assigned
only after the write is flushed to the durability log.

Example:
  quillctl write users alice --schema-version 1 --body '{"name":"alice"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(opts.Body)
			if opts.BodyFile != "" {
				data, err := os.ReadFile(opts.BodyFile)
				if err != nil {
					return fmt.Errorf("read body file: %w", err)
				}
				body = data
			}
			if !json.Valid(body) {
				return fmt.Errorf("document body must be valid JSON")
			}

			var resp struct {
				CommitID uint64 `json:"commit_id"`
			}
			err := opts.doJSON(http.MethodPost, "/v1/write", map[string]interface{}{
				"collection":     args[0],
				"key":            args[1],
				"schema_version": opts.SchemaVersion,
				"body":           json.RawMessage(body),
			}, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.Flags().IntVar(&opts.SchemaVersion, "schema-version", 1, "schema version the body conforms to")
	cmd.Flags().StringVar(&opts.Body, "body", "", "document body as JSON")
	cmd.Flags().StringVar(&opts.BodyFile, "body-file", "", "file containing the document body")

	return cmd
}

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	Bound uint64
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <collection> <key>",
		Short: "Read the visible version of one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("collection", args[0])
			q.Set("key", args[1])
			if opts.Bound > 0 {
				q.Set("bound", strconv.FormatUint(opts.Bound, 10))
			}

			var doc struct {
				Collection    string          `json:"collection"`
				Key           string          `json:"key"`
				SchemaVersion int             `json:"schema_version"`
				Body          json.RawMessage `json:"body"`
				CommitID      uint64          `json:"commit_id"`
			}
			if err := opts.doJSON(http.MethodGet, "/v1/read?"+q.Encode(), nil, &doc); err != nil {
				return err
			}
			return printJSON(cmd, doc)
		},
	}

	cmd.Flags().Uint64Var(&opts.Bound, "bound", 0, "read upper bound (0 means the current horizon)")

	return cmd
}

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	SchemaVersion int
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <collection> <key>",
		Short: "Durably delete one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				CommitID uint64 `json:"commit_id"`
			}
			err := opts.doJSON(http.MethodPost, "/v1/delete", map[string]interface{}{
				"collection":     args[0],
				"key":            args[1],
				"schema_version": opts.SchemaVersion,
			}, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.Flags().IntVar(&opts.SchemaVersion, "schema-version", 1, "schema version recorded on the tombstone")

	return cmd
}
