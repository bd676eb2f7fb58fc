package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/garethgeorge/fheapspace/internal/fheap"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/spf13/cobra"
)

var dumpObjects bool

func init() {
	cmd := newDumpCmd()
	cmd.Flags().BoolVar(&dumpObjects, "objects", false, "Also list every object")
	rootCmd.AddCommand(cmd)
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <image>",
		Short: "Print the heap and free sections of an image",
		Long: `The dump command loads an image, checks it and prints its header, the
shape of the heap and every linked free section.

Example:
  fheapspace dump heap.fhs
  fheapspace dump heap.fhs --objects`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(os.Stdout, args[0])
		},
	}
}

func runDump(w io.Writer, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	img, err := imagefile.Read(imagefile.File(path))
	if err != nil {
		return err
	}
	m, err := fheap.FromImage(img, cfg, fheap.WithLogger(log))
	if err != nil {
		return err
	}
	defer m.Close()

	title := color.New(color.Bold, color.FgCyan).SprintFunc()
	hdr := img.Header
	p := hdr.Geometry.Params()
	fmt.Fprintf(w, "%s %s\n", title("image:"), path)
	fmt.Fprintf(w, "  version %d, %s digest %x\n", hdr.Version, hdr.Digest, img.Sum)
	fmt.Fprintf(w, "  width %d, blocks %s to %s, %d bit offsets, %d byte block header\n",
		p.Width, humanize.IBytes(p.StartBlockSize), humanize.IBytes(p.MaxDirectSize), p.MaxIndex, p.DirectOverhead)
	fmt.Fprintf(w, "  payload %s, %d serialized sections with %s free\n",
		humanize.IBytes(hdr.PayloadLength), hdr.SectionCount, humanize.IBytes(hdr.FreeBytes))

	if err := m.Validate(); err != nil {
		fmt.Fprintf(w, "%s %v\n", color.RedString("invalid:"), err)
	}
	fmt.Fprintln(w, title("free space:"))
	if err := m.Dump(w); err != nil {
		return err
	}
	if dumpObjects {
		fmt.Fprintln(w, title("objects:"))
		for _, obj := range m.Objects() {
			fmt.Fprintf(w, "  %v\n", obj)
		}
	}
	return nil
}
