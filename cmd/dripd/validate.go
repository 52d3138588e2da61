package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/drip/internal/definition"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <campaign-file>...",
		Short: "Check campaign files without touching any store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				f, err := definition.LoadFile(path)
				if err == nil {
					err = f.Validate()
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d campaign(s) ok\n", path, len(f.Campaigns))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}
