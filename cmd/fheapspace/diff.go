package main

import (
	"cmp"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/fatih/color"
	"github.com/garethgeorge/fheapspace/internal/fheap"
	"github.com/garethgeorge/fheapspace/internal/imagefile"
	"github.com/garethgeorge/fheapspace/internal/sliceutil"
	"github.com/spf13/cobra"
)

var diffObjects bool

func init() {
	cmd := newDiffCmd()
	cmd.Flags().BoolVar(&diffObjects, "objects", false, "Also compare objects")
	rootCmd.AddCommand(cmd)
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <image1> <image2>",
		Short: "Compare the free space of two images",
		Long: `The diff command loads two images and lists the free sections found in
only one of them or found in both with a different kind or size.

Example:
  fheapspace diff before.fhs after.fhs
  fheapspace diff before.fhs after.fhs --objects`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(os.Stdout, args[0], args[1])
		},
	}
}

type sectionChange struct {
	Old, New *fheap.SectionInfo
}

func pointers[T any](s []T) []*T {
	out := make([]*T, len(s))
	for i := range s {
		out[i] = &s[i]
	}
	return out
}

// diffSections joins two address-ordered section lists and keeps the
// entries that differ.
func diffSections(a, b []fheap.SectionInfo) []sectionChange {
	var out []sectionChange
	joined := sliceutil.FullOuterJoinSlicesIter(pointers(a), pointers(b), func(x, y *fheap.SectionInfo) int {
		return cmp.Compare(x.Addr, y.Addr)
	})
	for x, y := range joined {
		if x != nil && y != nil && *x == *y {
			continue
		}
		out = append(out, sectionChange{Old: x, New: y})
	}
	return out
}

func objectSeq(objs []fheap.ObjectID) iter.Seq[*fheap.ObjectID] {
	return func(yield func(*fheap.ObjectID) bool) {
		for i := range objs {
			if !yield(&objs[i]) {
				return
			}
		}
	}
}

// diffObjectLists returns the objects only a holds and those only b holds.
func diffObjectLists(a, b []fheap.ObjectID) (removed, added []fheap.ObjectID) {
	joined := sliceutil.FullOuterJoinIters(objectSeq(a), objectSeq(b), func(x, y *fheap.ObjectID) int {
		if c := cmp.Compare(x.Off, y.Off); c != 0 {
			return c
		}
		return cmp.Compare(x.Len, y.Len)
	})
	for x, y := range joined {
		switch {
		case y == nil:
			removed = append(removed, *x)
		case x == nil:
			added = append(added, *y)
		}
	}
	return removed, added
}

func loadImage(path string) (*fheap.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := fheap.Load(imagefile.File(path), cfg, fheap.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func runDiff(w io.Writer, path1, path2 string) error {
	m1, err := loadImage(path1)
	if err != nil {
		return err
	}
	defer m1.Close()
	m2, err := loadImage(path2)
	if err != nil {
		return err
	}
	defer m2.Close()

	changes := diffSections(m1.Sections(), m2.Sections())
	for _, c := range changes {
		switch {
		case c.New == nil:
			fmt.Fprintln(w, color.RedString("- %s addr=%d size=%d", c.Old.Kind, c.Old.Addr, c.Old.Size))
		case c.Old == nil:
			fmt.Fprintln(w, color.GreenString("+ %s addr=%d size=%d", c.New.Kind, c.New.Addr, c.New.Size))
		default:
			fmt.Fprintln(w, color.YellowString("~ addr=%d %s size=%d -> %s size=%d",
				c.Old.Addr, c.Old.Kind, c.Old.Size, c.New.Kind, c.New.Size))
		}
	}
	if diffObjects {
		removed, added := diffObjectLists(m1.Objects(), m2.Objects())
		for _, o := range removed {
			fmt.Fprintln(w, color.RedString("- object %v", o))
		}
		for _, o := range added {
			fmt.Fprintln(w, color.GreenString("+ object %v", o))
		}
	}
	fmt.Fprintf(w, "%d section differences\n", len(changes))
	return nil
}
