// Package cli implements the sepal command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sepal/checkpoint"
)

// Exit codes returned via ExitError.
const (
	exitUsage    = 1
	exitNotFound = 3
	exitStorage  = 4
)

// ExitError carries the process exit code a failed command should produce.
// main unwraps it with errors.As and exits with Code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewCheckpointsCmd creates the "checkpoints" command group for inspecting
// and managing persisted run snapshots.
func NewCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage persisted run checkpoints",
	}

	cmd.PersistentFlags().String("db", "sepal.db", "Path to the checkpoint SQLite database")

	cmd.AddCommand(newCheckpointsListCmd())
	cmd.AddCommand(newCheckpointsShowCmd())
	cmd.AddCommand(newCheckpointsDeleteCmd())

	return cmd
}

func newCheckpointsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List checkpoints for a workflow, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsList,
	}
	cmd.Flags().String("format", "text", "Output format: text | json | yaml")
	return cmd
}

func newCheckpointsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show the full contents of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsShow,
	}
	cmd.Flags().String("format", "json", "Output format: json | yaml")
	return cmd
}

func newCheckpointsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsDelete,
	}
}

// openStorage opens the SQLite checkpoint store named by the --db flag.
func openStorage(cmd *cobra.Command) (*checkpoint.SQLiteStorage, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	storage, err := checkpoint.NewSQLiteStorage(checkpoint.SQLiteStorageConfig{DSN: dbPath})
	if err != nil {
		return nil, exitError(exitStorage, "opening checkpoint store %s: %v", dbPath, err)
	}
	return storage, nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	storage, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer storage.Close()

	checkpoints, err := storage.List(cmd.Context(), workflowID)
	if err != nil {
		return exitError(exitStorage, "listing checkpoints: %v", err)
	}

	switch format {
	case "json":
		return printJSON(out, checkpoints)
	case "yaml":
		return printYAML(out, checkpoints)
	case "text":
		printCheckpointTable(out, checkpoints)
		return nil
	default:
		return exitError(exitUsage, "unknown format %q", format)
	}
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	checkpointID := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	storage, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer storage.Close()

	cp, err := storage.Load(cmd.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return exitError(exitNotFound, "checkpoint not found: %s", checkpointID)
		}
		return exitError(exitStorage, "loading checkpoint: %v", err)
	}

	switch format {
	case "json":
		return printJSON(out, cp)
	case "yaml":
		return printYAML(out, cp)
	default:
		return exitError(exitUsage, "unknown format %q", format)
	}
}

func runCheckpointsDelete(cmd *cobra.Command, args []string) error {
	checkpointID := args[0]
	out := cmd.OutOrStdout()

	storage, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.Delete(cmd.Context(), checkpointID); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return exitError(exitNotFound, "checkpoint not found: %s", checkpointID)
		}
		return exitError(exitStorage, "deleting checkpoint: %v", err)
	}

	fmt.Fprintf(out, "Deleted checkpoint %s\n", checkpointID)
	return nil
}

// printCheckpointTable renders a summary row per checkpoint.
func printCheckpointTable(w io.Writer, checkpoints []*checkpoint.Checkpoint) {
	if len(checkpoints) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSUPERSTEP\tCREATED")
	for _, cp := range checkpoints {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			cp.ID,
			cp.WorkflowID,
			cp.Metadata.Superstep,
			cp.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(v)
}
