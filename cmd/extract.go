package cmd

import (
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/spf13/cobra"
)

// newExtractCmd prints the text blocks of a page, one per line.
func newExtractCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "extract [url]",
		Short: "Prints the readable text blocks of a page or local HTML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			extractor := appInstance.Extractor()

			var blocks iter.Seq[string]
			switch {
			case file != "" && len(args) == 0:
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				blocks = extractor.TextBlocks(cmd.Context(), f)
			case file == "" && len(args) == 1:
				blocks = extractor.FromURL(cmd.Context(), args[0])
			default:
				return errors.New("pass exactly one of a url argument or --file")
			}

			out := cmd.OutOrStdout()
			for block := range blocks {
				if _, err := fmt.Fprintln(out, block); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read HTML from a local file instead of a url")
	return cmd
}
