package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Blob commands
var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Inspect and manage stored bundles and results",
}

var blobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored blobs",
	RunE:  runBlobList,
}

var blobRemoveCmd = &cobra.Command{
	Use:   "rm REF",
	Short: "Delete a blob",
	Long: `Delete a blob by ref. Jobs referencing the blob keep their ref; a
worker fetching it afterwards fails the job with a not-found error.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlobRemove,
}

func init() {
	blobCmd.PersistentFlags().String("server", "http://localhost:8080", "Dispatcher address")

	blobCmd.AddCommand(blobListCmd)
	blobCmd.AddCommand(blobRemoveCmd)
}

func runBlobList(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	metas, err := c.Blobs().List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list blobs: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tNAME\tTYPE\tSIZE\tAGE")
	var total int64
	for _, meta := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			meta.Ref,
			meta.Name,
			orDash(meta.ContentType),
			meta.Size,
			age(meta.CreatedAt.UnixMilli()),
		)
		total += meta.Size
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d blobs, %d bytes\n", len(metas), total)
	return nil
}

func runBlobRemove(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	if err := c.Blobs().Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete blob: %v", err)
	}
	fmt.Printf("✓ Blob deleted: %s\n", args[0])
	return nil
}
