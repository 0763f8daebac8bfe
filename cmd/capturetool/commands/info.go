package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/capturetool/internal/recording"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE",
	Short: "Show what a recording contains",
	Long: `Scan a recording and print its header together with the number of frames
and the time span of every stream.`,
	Example: `  capturetool info session.rec`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printFileInfo(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func printFileInfo(out io.Writer, path string) error {
	summary, err := recording.Inspect(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	h := summary.Header

	fmt.Fprintln(out, "file info:")
	fmt.Fprintf(out, "\tfile: %s\n", path)
	fmt.Fprintf(out, "\tversion: %d\n", h.Version)
	fmt.Fprintf(out, "\tsession: %s\n", h.Session)
	fmt.Fprintf(out, "\tdevice: %s\n", h.Device)
	fmt.Fprintf(out, "\tcreated: %s\n", h.Created.Format(time.RFC3339))
	fmt.Fprintln(out, "\tstreams:")
	for _, s := range h.Streams {
		fmt.Fprintf(out, "\t\t%s - %s, compression:%d", s.Stream, s.Profile, s.Compression)
		if ss, ok := summary.Streams[s.Stream]; ok {
			fmt.Fprintf(out, ", frames:%d, span:%s", ss.Frames, ss.Last.Sub(ss.First))
		} else {
			fmt.Fprint(out, ", frames:0")
		}
		fmt.Fprintln(out)
	}

	// Frames of streams missing from the header
	var extra []stream.ID
	for id := range summary.Streams {
		if _, ok := h.Stream(id); !ok {
			extra = append(extra, id)
		}
	}
	stream.Sort(extra)
	for _, id := range extra {
		fmt.Fprintf(out, "\t\t%s - not in header, frames:%d\n", id, summary.Streams[id].Frames)
	}

	if summary.Truncated {
		fmt.Fprintln(out, "\twarning: recording is truncated")
	}
	return nil
}
