package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Jobs created here are left pending; a running "serve" picks them up on its
// next poll.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Create sync jobs for a running server to execute",
}

var scheduleFullSyncCmd = &cobra.Command{
	Use:   "full-sync",
	Short: "Refresh images and validate links for the whole catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(a *app) (any, error) {
			return a.service(nil).ScheduleFullSync(cmd.Context())
		})
	},
}

var scheduleValidateLinksCmd = &cobra.Command{
	Use:   "validate-links [PRODUCT_ID]",
	Short: "Validate one product's link, or every link when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withService(cmd, func(a *app) (any, error) {
			return a.service(nil).ScheduleLinkValidation(cmd.Context(), id)
		})
	},
}

var scheduleRefreshImageCmd = &cobra.Command{
	Use:   "refresh-image PRODUCT_ID",
	Short: "Refresh one product's image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(a *app) (any, error) {
			return a.service(nil).ScheduleImageRefresh(cmd.Context(), args[0])
		})
	},
}

var scheduleBulkCmd = &cobra.Command{
	Use:   "bulk ACTION PRODUCT_ID...",
	Short: "Create one job per product (ACTION is refresh_image or validate_link)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(a *app) (any, error) {
			return a.service(nil).BulkSchedule(cmd.Context(), args[1:], args[0])
		})
	},
}

var scheduleRetryCmd = &cobra.Command{
	Use:   "retry JOB_ID",
	Short: "Create a new job from a failed one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(a *app) (any, error) {
			j, err := a.service(nil).RetryJob(cmd.Context(), args[0])
			if err != nil {
				return nil, err
			}
			return j.ID, nil
		})
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleFullSyncCmd, scheduleValidateLinksCmd, scheduleRefreshImageCmd, scheduleBulkCmd, scheduleRetryCmd)
}

// withService runs fn against a fresh app and prints its result: a job id on
// its own line, anything else as JSON.
func withService(cmd *cobra.Command, fn func(a *app) (any, error)) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := fn(a)
	if err != nil {
		return err
	}
	if id, ok := res.(string); ok {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
