package temporal

// DiscoveryInput is the input for DiscoveryWorkflow. An empty ChannelIDs
// slice means "refresh every enabled channel".
type DiscoveryInput struct {
	ChannelIDs []string `json:"channel_ids,omitempty"`
}

// ChannelRefreshResult reports the outcome of refreshing one channel's
// model catalog.
type ChannelRefreshResult struct {
	ChannelID string `json:"channel_id"`
	Refreshed bool   `json:"refreshed"`
	Error     string `json:"error,omitempty"`
}

// DiscoverySummary is the output of DiscoveryWorkflow.
type DiscoverySummary struct {
	Refreshed int                    `json:"refreshed"`
	Failed    int                    `json:"failed"`
	Results   []ChannelRefreshResult `json:"results"`
}

// ScheduleInput is the input for ScheduledDiscoveryWorkflow.
type ScheduleInput struct {
	// IntervalSeconds between discovery passes. Zero means DefaultIntervalSeconds.
	IntervalSeconds int `json:"interval_seconds,omitempty"`
	// Completed passes carried across continue-as-new boundaries.
	Passes int `json:"passes,omitempty"`
}
