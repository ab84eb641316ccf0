package cli

import (
	"fmt"

	"github.com/fatih/color"
	prettyjson "github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"
)

// Exit codes reported by the binary.
const (
	ExitOK = iota
	ExitConfig
	ExitBootstrapUnreachable
	ExitLedgerUnreachable
)

// ExitError carries a process exit code alongside the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}

	return &ExitError{Code: code, Err: err}
}

// NewRootCmd assembles the fedmesh command tree: the three role runners
// plus the operator utilities.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fedmesh",
		Short: "Decentralized federated-learning coordinator",
		Long: `fedmesh connects data owners with trainers over a peer-to-peer
overlay. Payment and task lifecycle are anchored on a smart-contract
ledger; bulk data moves through a content-addressed object store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newBootstrapCmd(),
		newClientCmd(),
		newTrainerCmd(),
		newDatasetCmd(),
		newBucketCmd(),
		newStatusCmd(),
		newWhitelistCmd(),
	)

	return root
}

func logErrorCmd(cmd cobra.Command, err error) {
	boldRed := color.New(color.FgRed, color.Bold)
	boldRed.Fprintf(cmd.ErrOrStderr(), "\nerror: ")
	fmt.Fprintf(cmd.ErrOrStderr(), "%s\n\n", color.RedString(err.Error()))
}

func logJSONCmd(cmd cobra.Command, v any) {
	data, err := prettyjson.Marshal(v)
	if err != nil {
		logErrorCmd(cmd, err)

		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", data)
}

func logOKCmd(cmd cobra.Command, format string, args ...any) {
	boldGreen := color.New(color.FgGreen, color.Bold)
	boldGreen.Fprintf(cmd.OutOrStdout(), "\nok: ")
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n\n", args...)
}
