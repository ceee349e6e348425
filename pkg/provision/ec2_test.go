package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	runIn       *ec2.RunInstancesInput
	runErr      error
	describeIn  *ec2.DescribeInstancesInput
	reservation []types.Reservation
	terminated  []string
	started     []string
	stopped     []string
	powerErr    error
	images      []types.Image
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runIn = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId:       aws.String("i-123"),
		PrivateIpAddress: aws.String("10.0.0.7"),
		State:            &types.InstanceState{Code: aws.Int32(0)},
	}}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeIn = in
	return &ec2.DescribeInstancesOutput{Reservations: f.reservation}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	if f.powerErr != nil {
		return nil, f.powerErr
	}
	f.started = append(f.started, in.InstanceIds...)
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if f.powerErr != nil {
		return nil, f.powerErr
	}
	f.stopped = append(f.stopped, in.InstanceIds...)
	return &ec2.StopInstancesOutput{}, nil
}

func TestCreateNode(t *testing.T) {
	api := &fakeEC2{}
	g := NewEC2Gateway(api, "ami-1", nil)

	n, err := g.CreateNode(context.Background(), []string{"sg-1", "sg-2"}, "t3.medium")
	require.NoError(t, err)

	assert.Equal(t, Node{ID: "i-123", PrivateAddress: "10.0.0.7", State: PowerStarting}, n)
	assert.Equal(t, "ami-1", aws.ToString(api.runIn.ImageId))
	assert.Equal(t, []string{"sg-1", "sg-2"}, api.runIn.SecurityGroupIds)
	assert.Equal(t, types.InstanceType("t3.medium"), api.runIn.InstanceType)
	assert.EqualValues(t, 1, aws.ToInt32(api.runIn.MaxCount))
}

func TestCreateNodeWrapsProviderError(t *testing.T) {
	g := NewEC2Gateway(&fakeEC2{runErr: errors.New("InsufficientInstanceCapacity")}, "ami-1", nil)

	_, err := g.CreateNode(context.Background(), nil, "t3.medium")
	assert.ErrorIs(t, err, ErrProvisioningFailure)
	assert.Contains(t, err.Error(), "InsufficientInstanceCapacity")
}

func TestFindNodesByPrivateAddress(t *testing.T) {
	api := &fakeEC2{reservation: []types.Reservation{
		{Instances: []types.Instance{{InstanceId: aws.String("i-a"), PrivateIpAddress: aws.String("10.0.0.1"), State: &types.InstanceState{Code: aws.Int32(16)}}}},
		{Instances: []types.Instance{{InstanceId: aws.String("i-b"), PrivateIpAddress: aws.String("10.0.0.2")}}},
	}}
	g := NewEC2Gateway(api, "ami-1", nil)

	nodes, err := g.FindNodesByPrivateAddress(context.Background(), []string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, PowerRunning, nodes[0].State)
	assert.Equal(t, PowerUnknown, nodes[1].State)

	require.Len(t, api.describeIn.Filters, 2)
	assert.Equal(t, "private-ip-address", aws.ToString(api.describeIn.Filters[0].Name))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, api.describeIn.Filters[0].Values)
}

func TestFindNodesSkipsTerminatedInstances(t *testing.T) {
	api := &fakeEC2{}
	_, err := NewEC2Gateway(api, "ami-1", nil).FindNodesByPrivateAddress(context.Background(), []string{"10.0.0.1"})
	require.NoError(t, err)

	require.Len(t, api.describeIn.Filters, 2)
	state := api.describeIn.Filters[1]
	assert.Equal(t, "instance-state-name", aws.ToString(state.Name))
	assert.ElementsMatch(t, []string{"pending", "running", "stopping", "stopped"}, state.Values)
	assert.NotContains(t, state.Values, "terminated")
	assert.NotContains(t, state.Values, "shutting-down")
}

func TestStartStopNode(t *testing.T) {
	api := &fakeEC2{}
	g := NewEC2Gateway(api, "ami-1", nil)
	ctx := context.Background()

	require.NoError(t, g.StopNode(ctx, Node{ID: "i-3"}))
	require.NoError(t, g.StartNode(ctx, Node{ID: "i-3"}))
	assert.Equal(t, []string{"i-3"}, api.stopped)
	assert.Equal(t, []string{"i-3"}, api.started)
	assert.Empty(t, api.terminated)

	api.powerErr = errors.New("IncorrectInstanceState")
	err := g.StartNode(ctx, Node{ID: "i-4"})
	assert.ErrorContains(t, err, "i-4")
	assert.ErrorContains(t, err, "IncorrectInstanceState")
}

func TestFindNodesNoAddressesSkipsCall(t *testing.T) {
	api := &fakeEC2{}
	nodes, err := NewEC2Gateway(api, "ami-1", nil).FindNodesByPrivateAddress(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Nil(t, api.describeIn)
}

func TestDeleteNode(t *testing.T) {
	api := &fakeEC2{}
	require.NoError(t, NewEC2Gateway(api, "ami-1", nil).DeleteNode(context.Background(), Node{ID: "i-9"}))
	assert.Equal(t, []string{"i-9"}, api.terminated)
}

func TestStateFromCode(t *testing.T) {
	tests := map[int32]PowerState{
		0:         PowerStarting,
		16:        PowerRunning,
		32:        PowerStopped,
		80:        PowerStopped,
		48:        PowerUnknown,
		0x100 | 16: PowerRunning, // high byte ignored
	}
	for code, want := range tests {
		assert.Equal(t, want, stateFromCode(code), "code %d", code)
	}
}

func TestResolveImage(t *testing.T) {
	api := &fakeEC2{images: []types.Image{
		{ImageId: aws.String("ami-a"), Description: aws.String("mongo base")},
		{ImageId: aws.String("ami-b"), Description: aws.String("other")},
	}}
	ctx := context.Background()

	id, err := ResolveImage(ctx, api, "ami-explicit", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "ami-explicit", id)

	id, err = ResolveImage(ctx, api, "", "mongo base")
	require.NoError(t, err)
	assert.Equal(t, "ami-a", id)

	_, err = ResolveImage(ctx, api, "", "missing")
	assert.Error(t, err)
}
