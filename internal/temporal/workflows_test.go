package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name, no actual method body runs.
var actsRef *Activities

func TestDiscoveryWorkflow_RefreshesAllEnabledChannels(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ListChannelIDs, mock.Anything).
		Return([]string{"free-channel", "paid-channel"}, nil)
	env.OnActivity(actsRef.RefreshChannel, mock.Anything, "free-channel").
		Return(ChannelRefreshResult{ChannelID: "free-channel", Refreshed: true}, nil)
	env.OnActivity(actsRef.RefreshChannel, mock.Anything, "paid-channel").
		Return(ChannelRefreshResult{ChannelID: "paid-channel", Refreshed: true}, nil)

	env.ExecuteWorkflow(DiscoveryWorkflow, DiscoveryInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var summary DiscoverySummary
	require.NoError(t, env.GetWorkflowResult(&summary))
	require.Equal(t, 2, summary.Refreshed)
	require.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Results, 2)
}

func TestDiscoveryWorkflow_ExplicitChannelsSkipListing(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RefreshChannel, mock.Anything, "only-this").
		Return(ChannelRefreshResult{ChannelID: "only-this", Refreshed: true}, nil)

	env.ExecuteWorkflow(DiscoveryWorkflow, DiscoveryInput{ChannelIDs: []string{"only-this"}})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var summary DiscoverySummary
	require.NoError(t, env.GetWorkflowResult(&summary))
	require.Equal(t, 1, summary.Refreshed)
	env.AssertNotCalled(t, "ListChannelIDs", mock.Anything)
}

func TestDiscoveryWorkflow_FailedChannelCountedNotFatal(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ListChannelIDs, mock.Anything).
		Return([]string{"good", "bad"}, nil)
	env.OnActivity(actsRef.RefreshChannel, mock.Anything, "good").
		Return(ChannelRefreshResult{ChannelID: "good", Refreshed: true}, nil)
	env.OnActivity(actsRef.RefreshChannel, mock.Anything, "bad").
		Return(ChannelRefreshResult{}, errors.New("upstream 503"))

	env.ExecuteWorkflow(DiscoveryWorkflow, DiscoveryInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var summary DiscoverySummary
	require.NoError(t, env.GetWorkflowResult(&summary))
	require.Equal(t, 1, summary.Refreshed)
	require.Equal(t, 1, summary.Failed)
}

func TestDiscoveryWorkflow_ListFailurePropagates(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ListChannelIDs, mock.Anything).
		Return([]string(nil), errors.New("registry unavailable"))

	env.ExecuteWorkflow(DiscoveryWorkflow, DiscoveryInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
