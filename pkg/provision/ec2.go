package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

// EC2API is the subset of the EC2 client the gateway calls.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// liveStates excludes instances that are gone or going; a private IP can be
// reused by a new instance while the old one is still listed.
var liveStates = []string{"pending", "running", "stopping", "stopped"}

// Image is a machine image owned by the account.
type Image struct {
	ID          string
	Description string
}

type EC2Gateway struct {
	api     EC2API
	imageID string
	log     *zap.Logger
}

// AWSOptions selects region and, optionally, static credentials. Empty keys
// fall back to the default credential chain.
type AWSOptions struct {
	Region    string
	AccessKey string
	SecretKey string
}

// NewEC2Client builds an EC2 client from opts.
func NewEC2Client(ctx context.Context, opts AWSOptions) (*ec2.Client, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// NewEC2Gateway launches new nodes from imageID.
func NewEC2Gateway(api EC2API, imageID string, log *zap.Logger) *EC2Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &EC2Gateway{api: api, imageID: imageID, log: log.Named("ec2")}
}

// Images lists the machine images owned by the calling account.
func Images(ctx context.Context, api EC2API) ([]Image, error) {
	out, err := api.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return nil, fmt.Errorf("describe images: %w", err)
	}
	images := make([]Image, 0, len(out.Images))
	for _, im := range out.Images {
		images = append(images, Image{ID: aws.ToString(im.ImageId), Description: aws.ToString(im.Description)})
	}
	return images, nil
}

// ResolveImage returns id when set, otherwise the id of the self-owned image
// whose description matches.
func ResolveImage(ctx context.Context, api EC2API, id, description string) (string, error) {
	if id != "" {
		return id, nil
	}
	images, err := Images(ctx, api)
	if err != nil {
		return "", err
	}
	for _, im := range images {
		if im.Description == description {
			return im.ID, nil
		}
	}
	return "", fmt.Errorf("no self-owned image with description %q", description)
}

func (g *EC2Gateway) CreateNode(ctx context.Context, securityGroups []string, instanceSize string) (Node, error) {
	out, err := g.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(g.imageID),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: securityGroups,
		InstanceType:     types.InstanceType(instanceSize),
	})
	if err != nil {
		return Node{}, fmt.Errorf("%w: run instances: %v", ErrProvisioningFailure, err)
	}
	if len(out.Instances) == 0 {
		return Node{}, fmt.Errorf("%w: run instances returned no instance", ErrProvisioningFailure)
	}
	n := nodeFromInstance(out.Instances[0])
	g.log.Info("instance launched", zap.String("id", n.ID), zap.String("private_ip", n.PrivateAddress))
	return n, nil
}

func (g *EC2Gateway) FindNodesByPrivateAddress(ctx context.Context, addrs []string) ([]Node, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	p := ec2.NewDescribeInstancesPaginator(g.api, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("private-ip-address"), Values: addrs},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
	var nodes []Node
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				nodes = append(nodes, nodeFromInstance(inst))
			}
		}
	}
	return nodes, nil
}

func (g *EC2Gateway) DeleteNode(ctx context.Context, node Node) error {
	_, err := g.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{node.ID}})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", node.ID, err)
	}
	g.log.Info("instance terminated", zap.String("id", node.ID), zap.String("private_ip", node.PrivateAddress))
	return nil
}

// StartNode powers on a stopped node.
func (g *EC2Gateway) StartNode(ctx context.Context, node Node) error {
	if _, err := g.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{node.ID}}); err != nil {
		return fmt.Errorf("start %s: %w", node.ID, err)
	}
	g.log.Info("instance started", zap.String("id", node.ID))
	return nil
}

// StopNode powers off a node without terminating it.
func (g *EC2Gateway) StopNode(ctx context.Context, node Node) error {
	if _, err := g.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{node.ID}}); err != nil {
		return fmt.Errorf("stop %s: %w", node.ID, err)
	}
	g.log.Info("instance stopped", zap.String("id", node.ID))
	return nil
}

func nodeFromInstance(inst types.Instance) Node {
	n := Node{
		ID:             aws.ToString(inst.InstanceId),
		PrivateAddress: aws.ToString(inst.PrivateIpAddress),
		PublicAddress:  aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		n.State = stateFromCode(aws.ToInt32(inst.State.Code))
	}
	return n
}

// stateFromCode maps the low byte of an EC2 state code. The high byte is
// reserved for internal provider use.
func stateFromCode(code int32) PowerState {
	switch byte(code) {
	case 0:
		return PowerStarting
	case 16:
		return PowerRunning
	case 32, 80:
		return PowerStopped
	default:
		return PowerUnknown
	}
}
