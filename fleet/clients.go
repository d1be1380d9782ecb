// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/juju/errors"
)

// EC2Client is the subset of the EC2 API a launcher drives. The
// concrete *ec2.Client satisfies it.
type EC2Client interface {
	ImageDescriber
	CreateLaunchTemplate(ctx context.Context, params *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error)
	RequestSpotFleet(ctx context.Context, params *ec2.RequestSpotFleetInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error)
	DescribeSpotFleetInstances(ctx context.Context, params *ec2.DescribeSpotFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	AssociateAddress(ctx context.Context, params *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	CancelSpotFleetRequests(ctx context.Context, params *ec2.CancelSpotFleetRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error)
}

// IAMClient is the subset of the IAM API a launcher drives.
type IAMClient interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
}

// ClientSet bundles the connected service clients a launcher needs.
type ClientSet struct {
	EC2 EC2Client
	IAM IAMClient
	SSM ImageParameterClient
}

// Validate returns an error if any member client is missing.
func (s *ClientSet) Validate() error {
	if s.EC2 == nil {
		return errors.NotValidf("nil EC2 client")
	}
	if s.IAM == nil {
		return errors.NotValidf("nil IAM client")
	}
	if s.SSM == nil {
		return errors.NotValidf("nil SSM client")
	}
	return nil
}

// NewClientSet connects service clients for the region using the
// ambient credential chain. A non empty access key pair overrides the
// chain with static credentials.
func NewClientSet(ctx context.Context, region, accessKey, secretKey string) (*ClientSet, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading AWS configuration")
	}
	return NewClientSetFromConfig(cfg), nil
}

// NewClientSetFromConfig builds the client set from an already loaded
// AWS configuration.
func NewClientSetFromConfig(cfg aws.Config) *ClientSet {
	return &ClientSet{
		EC2: ec2.NewFromConfig(cfg),
		IAM: iam.NewFromConfig(cfg),
		SSM: ssm.NewFromConfig(cfg),
	}
}
