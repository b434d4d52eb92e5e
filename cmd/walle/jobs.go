package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/cache"
	"github.com/walle-ai/walle/internal/domain"
)

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (inbox|applied|interviewing|offer|rejected|skipped)")
	jobsListCmd.Flags().Bool("offline", false, "serve from the local cache without touching the server")

	jobsSetCmd.Flags().String("status", "", "new status")
	jobsSetCmd.Flags().Bool("star", false, "star the job")
	jobsSetCmd.Flags().Bool("unstar", false, "unstar the job")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsSetCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	rootCmd.AddCommand(jobsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Browse and update the job list",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs from the local cache, refreshing from the server when stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		var jobs []*domain.Job
		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			jobs, err = app.repo.GetAllJobs(ctx)
		} else {
			jobs, err = cache.Fetch(ctx, app.cache, "jobs:all",
				func(ctx context.Context) ([]*domain.Job, bool, error) {
					local, readErr := app.repo.GetAllJobs(ctx)
					return local, len(local) > 0, readErr
				},
				func(ctx context.Context) ([]*domain.Job, error) {
					list, fetchErr := app.client.GetJobs(ctx, api.JobFilter{Limit: 200})
					if fetchErr != nil {
						return nil, fetchErr
					}
					return list.Jobs, nil
				},
				func(ctx context.Context, fetched []*domain.Job) error {
					return app.repo.ReplaceJobs(ctx, fetched)
				},
				cache.Options{Strategy: cache.CacheFirst, MaxAge: app.cfg.CacheMaxAge})
		}
		if err != nil {
			return err
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		if statusFilter != "" && !domain.ValidJobStatus(domain.JobStatus(statusFilter)) {
			return fmt.Errorf("unknown status %q", statusFilter)
		}

		printed := 0
		fmt.Printf("%-6s %-14s %-30s %-20s %s\n", "ID", "STATUS", "TITLE", "COMPANY", "SCORE")
		for _, job := range jobs {
			if statusFilter != "" && job.Status != domain.JobStatus(statusFilter) {
				continue
			}
			score := "-"
			if job.MatchScore != nil {
				score = strconv.Itoa(*job.MatchScore)
			}
			star := ""
			if job.Starred {
				star = " *"
			}
			fmt.Printf("%-6d %-14s %-30s %-20s %s%s\n",
				job.ID, job.Status, truncate(job.Title, 30), truncate(job.Company, 20), score, star)
			printed++
		}
		if printed == 0 {
			fmt.Println("no jobs — run 'walle sync --full' to pull from the server")
		}
		return nil
	},
}

var jobsSetCmd = &cobra.Command{
	Use:   "set <job-id>",
	Short: "Change a job's status or star, queued for sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		job, err := app.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %d not found locally", jobID)
		}

		payload := domain.JobActionPayload{ID: jobID}
		if statusFlag, _ := cmd.Flags().GetString("status"); statusFlag != "" {
			status := domain.JobStatus(statusFlag)
			if !domain.ValidJobStatus(status) {
				return fmt.Errorf("unknown status %q", statusFlag)
			}
			payload.Status = &status
			job.Status = status
		}
		star, _ := cmd.Flags().GetBool("star")
		unstar, _ := cmd.Flags().GetBool("unstar")
		if star || unstar {
			starred := star
			payload.Starred = &starred
			job.Starred = starred
		}
		if payload.Status == nil && payload.Starred == nil {
			return fmt.Errorf("nothing to change, pass --status, --star or --unstar")
		}

		// Apply locally first, then queue the server push.
		if err := app.repo.PutJob(ctx, job); err != nil {
			return err
		}
		if _, err := app.engine.Enqueue(ctx, domain.ActionUpdateJob, payload); err != nil {
			return err
		}

		result, err := app.engine.ProcessQueue(ctx, app.monitor.Check(ctx))
		if err != nil {
			return err
		}
		if result.Synced > 0 {
			fmt.Printf("job %d updated and synced\n", jobID)
		} else {
			fmt.Printf("job %d updated locally, queued for sync\n", jobID)
		}
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Remove a job locally and mark it skipped on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		if err := app.repo.DeleteJob(ctx, jobID); err != nil {
			return err
		}
		if _, err := app.engine.Enqueue(ctx, domain.ActionDeleteJob, domain.JobActionPayload{ID: jobID}); err != nil {
			return err
		}
		if _, err := app.engine.ProcessQueue(ctx, app.monitor.Check(ctx)); err != nil {
			return err
		}
		fmt.Printf("job %d removed\n", jobID)
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
