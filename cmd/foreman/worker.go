package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and manage the worker fleet",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkerList,
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove WORKER_ID",
	Short: "Remove a worker from the fleet",
	Long: `Remove a worker from the registry. Jobs assigned to it are requeued
without spending a retry attempt; the worker itself is not contacted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkerRemove,
}

func init() {
	workerCmd.PersistentFlags().String("server", "http://localhost:8080", "Dispatcher address")

	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerRemoveCmd)
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	resp, err := c.ListWorkers(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list workers: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER ID\tHOSTNAME\tSTATUS\tCPU\tRAM (MB)\tJOBS\tSANDBOXES\tHEARTBEAT")
	for _, worker := range resp.Workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f/%d\t%d/%d\t%d\t%d\t%s\n",
			worker.WorkerID,
			worker.Hostname,
			worker.Status,
			worker.ReservedCPU, worker.CPUCount,
			worker.ReservedRAMMB, worker.RAMTotalMB,
			len(worker.CurrentJobIDs),
			worker.SandboxCount,
			age(worker.LastHeartbeat),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d workers: %d idle, %d busy, %d unhealthy\n",
		resp.TotalWorkers, resp.IdleWorkers, resp.BusyWorkers, resp.UnhealthyWorkers)
	return nil
}

func runWorkerRemove(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	resp, err := c.RemoveWorker(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to remove worker: %v", err)
	}
	if !resp.Existed {
		fmt.Printf("Worker not found: %s (nothing to remove)\n", args[0])
		return nil
	}
	fmt.Printf("✓ Worker removed: %s\n", args[0])
	return nil
}
