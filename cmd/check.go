package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/session"
)

// newCheckCmd creates the 'check' subcommand, which opens a session and
// reports whether the repository is reachable.
func newCheckCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Checks the repository connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := rt.app.Engine().CheckConnection(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), session.Describe(out))
			if out.Kind() != bounded.KindSuccess {
				return errors.New("connection check failed")
			}
			return nil
		},
	}
}
