package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/wasmserve/guest"
)

var checkCmd = &cobra.Command{
	Use:   "check <module.wasm>",
	Short: "Validate a guest module without running it",
	Long: `Compile a guest module and check it against the wasmhttp ABI.

Prints the module digest, its entry point, and the imports and exports
the host cares about. Exits non-zero if the module cannot be served.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	rt, err := guest.New(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	mod, err := rt.Compile(context.Background(), image)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "digest:  %s\n", mod.Digest())
	fmt.Fprintf(out, "entry:   %s\n", mod.Entry())
	fmt.Fprintln(out, "imports:")
	for _, name := range mod.Imports() {
		fmt.Fprintf(out, "  %s\n", name)
	}
	fmt.Fprintln(out, "exports:")
	for _, name := range mod.Exports() {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}
