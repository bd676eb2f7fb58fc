package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/spf13/cobra"
)

var verifyParallelism int

func init() {
	cmd := newVerifyCmd()
	cmd.Flags().IntVarP(&verifyParallelism, "parallelism", "p", 4, "Copies checked at once")
	rootCmd.AddCommand(cmd)
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image> [copy...]",
		Short: "Check the digests of an image and its copies",
		Long: `The verify command checks the digest of every copy of an image and that
all copies agree.

Example:
  fheapspace verify heap.fhs copy1.fhs copy2.fhs`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := imagefile.Verify(cmd.Context(), verifyParallelism, imagefile.Files(args...)...)
			printReports(os.Stdout, reports)
			return err
		},
	}
}

func printReports(w io.Writer, reports []imagefile.Report) {
	for _, r := range reports {
		if r.Err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", color.RedString("BAD"), r.Name, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s %s: %s %x, %d sections\n", color.GreenString("OK "), r.Name, r.Header.Digest, r.Sum, r.Header.SectionCount)
	}
}
