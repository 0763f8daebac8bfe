package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/capturetool/internal/device"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured camera nodes",
	Long: `List the V4L2 node configured for every stream together with the pixel
formats it reports. Nodes that cannot be opened are listed with the error.`,
	Example: `  # List nodes in table format (default)
  capturetool list

  # List nodes in JSON format
  capturetool list --format json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listFormat, "format", "table", "output format (table or json)")
}

type nodeRow struct {
	Stream  string   `json:"stream"`
	Node    string   `json:"node"`
	Formats []string `json:"formats"`
	Error   string   `json:"error,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	infos := device.DescribeNodes(configMgr.StreamNodes())
	rows := make([]nodeRow, 0, len(infos))
	for _, info := range infos {
		row := nodeRow{Stream: info.Stream.String(), Node: info.Node, Formats: info.Formats}
		if info.Err != nil {
			row.Error = info.Err.Error()
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	switch listFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case "table":
		if len(rows) == 0 {
			fmt.Fprintf(out, "No devices configured. Set one with: capturetool config set devices.depth /dev/video0\n")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STREAM\tNODE\tFORMATS")
		for _, row := range rows {
			formats := strings.Join(row.Formats, ", ")
			if row.Error != "" {
				formats = "error: " + row.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", row.Stream, row.Node, formats)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}
