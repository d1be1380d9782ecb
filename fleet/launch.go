// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"

	"github.com/alsantos123/spot-one/userdata"
)

var logger = loggo.GetLogger("spotone.fleet")

// waitInstancePollDelay is how long the launcher sleeps between
// DescribeSpotFleetInstances polls. Patched in tests.
var waitInstancePollDelay = 10 * time.Second

// LauncherConfig holds the dependencies of a Launcher.
type LauncherConfig struct {
	Clients *ClientSet
	Clock   clock.Clock
}

// Validate returns an error if the config cannot be used.
func (c LauncherConfig) Validate() error {
	if c.Clients == nil {
		return errors.NotValidf("nil Clients")
	}
	if err := c.Clients.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Launcher turns fleet definitions into running spot fleets. Every
// mutating call it makes is assembled up front by Compose, so the
// sequence of API requests for a launch is known before the first one
// is sent.
type Launcher struct {
	config LauncherConfig
}

// NewLauncher returns a Launcher driving the EC2 API with the
// supplied dependencies.
func NewLauncher(config LauncherConfig) (*Launcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Launcher{config: config}, nil
}

// Fleet identifies a spot fleet created by Launch, together with the
// definition and declarations it was created from.
type Fleet struct {
	Name       string
	RequestID  string
	Definition Definition
	Plan       Plan
}

// Launch resolves the definition against the region, composes the
// launch declarations and submits them. The launch template is
// registered first; the fleet request then references it by name. The
// returned Fleet has not necessarily acquired capacity yet, see
// WaitInstance.
func (l *Launcher) Launch(ctx context.Context, def Definition) (*Fleet, error) {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	img, err := ResolveImage(ctx, l.config.Clients.SSM, l.config.Clients.EC2, def.ImageID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	script, err := bootstrapScript(def, img)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("composed user data for fleet %q:\n%s", def.Name, script)

	roleARN, err := l.fleetRoleARN(ctx, def.FleetRole)
	if err != nil {
		return nil, errors.Trace(err)
	}

	def.InstanceProfile, err = l.instanceProfileARN(ctx, def.InstanceProfile)
	if err != nil {
		return nil, errors.Trace(err)
	}

	token, err := utils.NewUUID()
	if err != nil {
		return nil, errors.Trace(err)
	}

	plan := Compose(def, img, script, roleARN, token.String())

	logger.Infof("registering launch template %q for fleet %q",
		aws.ToString(plan.LaunchTemplate.LaunchTemplateName), def.Name)
	if _, err := l.config.Clients.EC2.CreateLaunchTemplate(ctx, plan.LaunchTemplate); err != nil {
		return nil, errors.Annotatef(err, "creating launch template for fleet %q", def.Name)
	}

	logger.Infof("requesting spot fleet %q with target capacity %d", def.Name, def.TargetCapacity)
	out, err := l.config.Clients.EC2.RequestSpotFleet(ctx, plan.Request)
	if err != nil {
		return nil, errors.Annotatef(err, "requesting spot fleet %q", def.Name)
	}

	return &Fleet{
		Name:       def.Name,
		RequestID:  aws.ToString(out.SpotFleetRequestId),
		Definition: def,
		Plan:       plan,
	}, nil
}

// WaitInstance polls the fleet request until it has an active
// instance, or the timeout passes, and returns the instance id. When
// the definition carries an EIP allocation the address is associated
// with the instance before returning.
func (l *Launcher) WaitInstance(ctx context.Context, f *Fleet, timeout time.Duration) (string, error) {
	var instanceID string
	errNoInstances := errors.Errorf("fleet %q has no active instances", f.Name)
	err := retry.Call(retry.CallArgs{
		Clock:       l.config.Clock,
		Delay:       waitInstancePollDelay,
		MaxDuration: timeout,
		Func: func() error {
			out, err := l.config.Clients.EC2.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
				SpotFleetRequestId: aws.String(f.RequestID),
			})
			if err != nil {
				return err
			}
			if len(out.ActiveInstances) == 0 {
				return errNoInstances
			}
			instanceID = aws.ToString(out.ActiveInstances[0].InstanceId)
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("fleet %q not ready, attempt %d: %v", f.Name, attempt, lastError)
		},
		IsFatalError: func(err error) bool {
			return err != errNoInstances
		},
		Stop: ctx.Done(),
	})
	if err != nil {
		return "", errors.Annotatef(err, "waiting for an instance of fleet %q", f.Name)
	}

	if alloc := f.Definition.EIPAllocationID; alloc != "" {
		if err := l.AssociateAddress(ctx, instanceID, alloc); err != nil {
			return "", errors.Trace(err)
		}
	}
	return instanceID, nil
}

// Address returns the public IP address of an instance.
func (l *Launcher) Address(ctx context.Context, instanceID string) (string, error) {
	out, err := l.config.Clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", errors.Annotatef(err, "describing instance %q", instanceID)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if addr := aws.ToString(inst.PublicIpAddress); addr != "" {
				return addr, nil
			}
		}
	}
	return "", errors.NotFoundf("public address of instance %q", instanceID)
}

// AssociateAddress attaches an allocated elastic IP to an instance.
func (l *Launcher) AssociateAddress(ctx context.Context, instanceID, allocationID string) error {
	logger.Infof("associating address allocation %q with instance %q", allocationID, instanceID)
	_, err := l.config.Clients.EC2.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		InstanceId:   aws.String(instanceID),
		AllocationId: aws.String(allocationID),
	})
	return errors.Annotatef(err, "associating address %q with instance %q", allocationID, instanceID)
}

// Terminate cancels the fleet request and terminates the instances it
// launched. The launch template is left behind for inspection.
func (l *Launcher) Terminate(ctx context.Context, f *Fleet) error {
	logger.Infof("cancelling spot fleet request %q", f.RequestID)
	_, err := l.config.Clients.EC2.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
		SpotFleetRequestIds: []string{f.RequestID},
		TerminateInstances:  aws.Bool(true),
	})
	return errors.Annotatef(err, "cancelling spot fleet %q", f.Name)
}

// fleetRoleARN resolves the definition's fleet role to an ARN. A value
// already in ARN form passes through without an API call.
func (l *Launcher) fleetRoleARN(ctx context.Context, role string) (string, error) {
	if strings.HasPrefix(role, "arn:") {
		return role, nil
	}
	out, err := l.config.Clients.IAM.GetRole(ctx, &iam.GetRoleInput{
		RoleName: aws.String(role),
	})
	if err != nil {
		var apiErr smithy.APIError
		if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchEntity" {
			return "", errors.NotFoundf("fleet role %q", role)
		}
		return "", errors.Annotatef(err, "resolving fleet role %q", role)
	}
	return aws.ToString(out.Role.Arn), nil
}

// instanceProfileARN resolves an instance profile reference to its
// ARN. Empty and ARN-form values pass through without an API call.
func (l *Launcher) instanceProfileARN(ctx context.Context, profile string) (string, error) {
	if profile == "" || strings.HasPrefix(profile, "arn:") {
		return profile, nil
	}
	out, err := l.config.Clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(profile),
	})
	if err != nil {
		var apiErr smithy.APIError
		if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchEntity" {
			return "", errors.NotFoundf("instance profile %q", profile)
		}
		return "", errors.Annotatef(err, "resolving instance profile %q", profile)
	}
	return aws.ToString(out.InstanceProfile.Arn), nil
}

// bootstrapScript renders the user data for the fleet, empty when the
// platform takes none.
func bootstrapScript(def Definition, img Image) (string, error) {
	cfg, err := userdata.New(userdata.Params{
		Platform:    img.Platform,
		CustomImage: img.Custom,
		Commands:    def.Commands,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return cfg.Render(), nil
}
