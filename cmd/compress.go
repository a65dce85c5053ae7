package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCompressCmd compresses or restores a file with the store's codec.
func newCompressCmd() *cobra.Command {
	var decompress bool
	cmd := &cobra.Command{
		Use:   "compress <src> <dst>",
		Short: "Compresses a file to base64 gzip, or restores one with --decompress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			c := appInstance.Compressor()
			src, dst := args[0], args[1]
			out := cmd.OutOrStdout()

			if decompress {
				if err := c.DecompressFile(cmd.Context(), src, dst); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "restored %s\n", dst)
				return err
			}
			compressed, err := c.CompressFile(cmd.Context(), src, dst)
			if err != nil {
				return err
			}
			if !compressed {
				_, err := fmt.Fprintf(out, "kept %s: compression did not shrink it\n", src)
				return err
			}
			_, err = fmt.Fprintf(out, "compressed %s to %s\n", src, dst)
			return err
		},
	}
	cmd.Flags().BoolVar(&decompress, "decompress", false, "restore src instead of compressing it")
	return cmd
}
