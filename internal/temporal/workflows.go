package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// DefaultIntervalSeconds between scheduled discovery passes (6 h).
	DefaultIntervalSeconds = 6 * 60 * 60

	// passesPerRun bounds history growth before continue-as-new.
	passesPerRun = 24

	activityTimeout = 2 * time.Minute
)

// DiscoveryWorkflow refreshes the model catalog for the requested channels,
// or for every enabled channel when none are named. Channels are refreshed
// in parallel; a failed channel is counted, not fatal, so one bad upstream
// cannot starve the rest of the pass.
func DiscoveryWorkflow(ctx workflow.Context, input DiscoveryInput) (DiscoverySummary, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			// The discovery service keeps the previous catalog on failure;
			// retrying within the pass only delays the next one.
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	channelIDs := input.ChannelIDs
	if len(channelIDs) == 0 {
		if err := workflow.ExecuteActivity(ctx, (*Activities).ListChannelIDs).Get(ctx, &channelIDs); err != nil {
			return DiscoverySummary{}, err
		}
	}

	futures := make([]workflow.Future, 0, len(channelIDs))
	for _, id := range channelIDs {
		futures = append(futures, workflow.ExecuteActivity(ctx, (*Activities).RefreshChannel, id))
	}

	summary := DiscoverySummary{Results: make([]ChannelRefreshResult, 0, len(futures))}
	for i, f := range futures {
		var res ChannelRefreshResult
		if err := f.Get(ctx, &res); err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, ChannelRefreshResult{
				ChannelID: channelIDs[i],
				Error:     err.Error(),
			})
			continue
		}
		summary.Refreshed++
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

// ScheduledDiscoveryWorkflow runs DiscoveryWorkflow on a fixed interval,
// continuing as new after passesPerRun passes to keep history bounded.
func ScheduledDiscoveryWorkflow(ctx workflow.Context, input ScheduleInput) error {
	interval := time.Duration(input.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultIntervalSeconds * time.Second
	}
	logger := workflow.GetLogger(ctx)

	for {
		summary, err := DiscoveryWorkflow(ctx, DiscoveryInput{})
		if err != nil {
			logger.Warn("discovery pass failed", "error", err.Error())
		} else {
			logger.Info("discovery pass complete",
				"refreshed", summary.Refreshed, "failed", summary.Failed)
		}

		if err := workflow.Sleep(ctx, interval); err != nil {
			return err
		}
		input.Passes++
		if input.Passes%passesPerRun == 0 {
			return workflow.NewContinueAsNewError(ctx, ScheduledDiscoveryWorkflow, input)
		}
	}
}
