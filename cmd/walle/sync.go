package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/domain"
)

func init() {
	syncCmd.Flags().Bool("full", false, "run a full catalog sync before draining the queue")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending action queue against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		if !app.monitor.Check(ctx) {
			return fmt.Errorf("server unreachable at %s", app.cfg.ServerURL)
		}

		if full, _ := cmd.Flags().GetBool("full"); full {
			progress, err := app.client.SyncJobs(ctx, func(p api.SyncProgress) {
				fmt.Printf("\rsyncing %d/%d", p.Synced, p.Total)
			})
			if err != nil {
				return fmt.Errorf("full sync failed: %w", err)
			}
			fmt.Printf("\rserver processed %d jobs        \n", progress.Synced)

			list, err := app.client.GetJobs(ctx, api.JobFilter{Limit: 200})
			if err != nil {
				return err
			}
			if err := app.repo.ReplaceJobs(ctx, list.Jobs); err != nil {
				return err
			}
			fmt.Printf("local cache now holds %d jobs\n", len(list.Jobs))
		}

		result, err := app.engine.ProcessQueue(ctx, true)
		if err != nil {
			return err
		}
		fmt.Printf("synced %d queued actions\n", result.Synced)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show actions waiting to be synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		actions, err := app.repo.GetAllActions(cmd.Context())
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("queue is empty")
			return nil
		}

		fmt.Printf("%-6s %-14s %-10s %-8s %s\n", "ID", "TYPE", "STATUS", "RETRIES", "CREATED")
		for _, action := range actions {
			fmt.Printf("%-6d %-14s %-10s %-8d %s\n",
				action.ID, action.Type, action.Status, action.RetryCount,
				action.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		if hasFailed(actions) {
			fmt.Println("\nactions are retried up to 3 times, then dropped")
		}
		return nil
	},
}

func hasFailed(actions []*domain.QueuedAction) bool {
	for _, action := range actions {
		if action.RetryCount > 0 {
			return true
		}
	}
	return false
}
