package main

import (
	"context"
	"fmt"
	"jobflow/internal/config"
	"jobflow/internal/job"
	"jobflow/internal/notify"
	"jobflow/internal/registry"
	"jobflow/internal/services"
	"jobflow/internal/store"
	"jobflow/internal/trigger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// jobAction runs one lifecycle entry point against an open service.
type jobAction func(ctx context.Context, svc *job.Service, collection, id string) error

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Replay a lifecycle entry point for one job",
		Long: `Run the create, update, retry or error entry point for a job directly
against the store, as the trigger front end or the task queue would.`,
	}

	var state string
	update := newActionCmd("update <collection> <jobId>", "Handle an update event carrying --state",
		func(ctx context.Context, svc *job.Service, collection, id string) error {
			s := job.State(state)
			if !s.Valid() {
				return fmt.Errorf("invalid --state %q", state)
			}
			return trigger.Route(ctx, svc, job.Change{Kind: job.ChangeUpdated, Collection: collection, ID: id, State: s})
		})
	update.Flags().StringVar(&state, "state", string(job.StateCreated), "state value written by the update")

	cmd.AddCommand(
		newActionCmd("create <collection> <jobId>", "Handle a create event",
			func(ctx context.Context, svc *job.Service, collection, id string) error {
				return trigger.Route(ctx, svc, job.Change{Kind: job.ChangeCreated, Collection: collection, ID: id, State: job.StateCreated})
			}),
		update,
		newActionCmd("retry <collection> <jobId>", "Run the retry handler",
			func(ctx context.Context, svc *job.Service, collection, id string) error {
				return svc.Retry(ctx, collection, id)
			}),
		newActionCmd("escalate <collection> <jobId>", "Run the error handler: fail the job and notify",
			func(ctx context.Context, svc *job.Service, collection, id string) error {
				return svc.Escalate(ctx, collection, id)
			}),
	)
	return cmd
}

func newActionCmd(use, short string, action jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := store.Open(ctx, viper.GetString("store_driver"))
			if err != nil {
				return err
			}
			defer h.Close()

			svc, err := newJobService(h.Store)
			if err != nil {
				return err
			}
			if err := action(ctx, svc, args[0], args[1]); err != nil {
				return err
			}

			j, err := svc.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s (attempt %d)\n", args[0], args[1], j.State, j.RetryAttempt)
			return nil
		},
	}
}

// newJobService wires a job service over st the way jobs-service does, without
// containers, callbacks or the task queue.
func newJobService(st job.Store) (*job.Service, error) {
	jobCfg := config.LoadJobConfig()
	if err := jobCfg.Validate(); err != nil {
		return nil, err
	}
	smtpCfg := notify.LoadConfigFromEnv()

	reg := registry.New()
	services.Register(reg, services.Apps{HTTP: services.NewHTTPApp(services.LoadHTTPAppConfigFromEnv())})

	escalator := job.NewEscalator(st, notify.NewSMTPNotifier(smtpCfg), jobCfg.Recipients, smtpCfg.SubjectPrefix)
	return job.NewService(job.Config{
		TaskInfo:          job.TaskInfo{Project: jobCfg.Project, Location: jobCfg.Location, Queue: jobCfg.Queue},
		ServiceCollection: jobCfg.ServiceCollection,
		JobCollection:     jobCfg.JobCollection,
		RetryHandler:      jobCfg.RetryHandler,
		ErrorHandler:      jobCfg.ErrorHandler,
		Recipients:        jobCfg.Recipients,
	}, st, job.NewDispatcher(reg, nil), escalator, nil), nil
}
