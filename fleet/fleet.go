// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

// Package fleet provisions a small EC2 spot fleet from a declarative
// definition: the definition is defaulted and validated, the instance
// bootstrap script is composed, and the result is translated into a
// launch template and a spot fleet request that are forwarded verbatim
// to the EC2 API. Lifecycle management beyond that ordered pair of
// calls, rollback and drift detection included, belongs to the caller.
package fleet

import (
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	// DefaultInstanceType is used when a definition names no type.
	DefaultInstanceType = "t3.large"

	// DefaultTargetCapacity is the number of instances requested when
	// a definition names no capacity.
	DefaultTargetCapacity = 1

	// DefaultFleetRole is the conventional IAM role the spot service
	// assumes to tag and manage fleet instances. It is resolved to an
	// ARN at launch time; the role itself is never created here.
	DefaultFleetRole = "aws-ec2-spot-fleet-tagging-role"

	// namePrefix prefixes every resource name derived from a
	// definition, so fleets are recognisable in a shared account.
	namePrefix = "spot-one-"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Definition describes one spot fleet. The zero value of every
// optional field means "use the default"; resolve the defaults with
// WithDefaults before Validate, and never inside rendering or
// composition.
//
// Network and identity fields are references, forwarded verbatim: the
// package neither selects subnets, nor wires security group rules, nor
// creates IAM entities.
type Definition struct {
	// Name names the fleet. It is required, becomes part of the launch
	// template name and the Name tag, and must start with an
	// alphanumeric character.
	Name string

	// InstanceType is the EC2 instance type. Defaults to
	// DefaultInstanceType.
	InstanceType string

	// ImageID is a custom machine image. Left empty, the latest
	// Amazon Linux 2 image is resolved at launch time and the
	// bootstrap baseline applies; set, the image is looked up to learn
	// its platform family and the baseline is skipped.
	ImageID string

	// KeyName is an existing EC2 key pair name, if any.
	KeyName string

	// SubnetID places fleet instances in a specific subnet. Left
	// empty, the service chooses.
	SubnetID string

	// SecurityGroupIDs are existing group IDs attached to the launch
	// template. Left empty, the service applies the VPC default group.
	SecurityGroupIDs []string

	// InstanceProfile is the name of an existing IAM instance profile
	// for the instances. Left empty, no profile is attached.
	InstanceProfile string

	// FleetRole is the IAM role name (or full ARN) granted to the spot
	// service for this fleet. Defaults to DefaultFleetRole.
	FleetRole string

	// TargetCapacity is the number of instances the fleet maintains.
	// Defaults to DefaultTargetCapacity.
	TargetCapacity int32

	// InterruptionBehavior is applied when spot capacity is reclaimed.
	// Defaults to terminate.
	InterruptionBehavior types.InstanceInterruptionBehavior

	// ValidFrom and ValidUntil bound the request's validity window.
	// Zero values leave the window open at that end.
	ValidFrom  time.Time
	ValidUntil time.Time

	// RetainOnExpiry keeps instances running when the request expires.
	// The default is the original behaviour: expiry terminates them.
	RetainOnExpiry bool

	// SpotPrice is the maximum hourly price. Left empty, the cap is
	// the on-demand price.
	SpotPrice string

	// RootVolumeSize overrides the root EBS volume size, in GiB.
	// Zero keeps the image default.
	RootVolumeSize int32

	// Commands are additional bootstrap commands, forwarded verbatim
	// to the script composer. They only take effect on Linux images;
	// see the userdata package doc for the Windows policy.
	Commands []string

	// Tags are applied to the launch template and to the instances the
	// fleet starts.
	Tags map[string]string

	// EIPAllocationID is an existing Elastic IP allocation. Set, the
	// launcher waits for the fleet's first instance and associates the
	// address with it.
	EIPAllocationID string
}

// WithDefaults returns a copy of d with every unset optional field
// resolved to its documented default.
func (d Definition) WithDefaults() Definition {
	if d.InstanceType == "" {
		d.InstanceType = DefaultInstanceType
	}
	if d.TargetCapacity == 0 {
		d.TargetCapacity = DefaultTargetCapacity
	}
	if d.InterruptionBehavior == "" {
		d.InterruptionBehavior = types.InstanceInterruptionBehaviorTerminate
	}
	if d.FleetRole == "" {
		d.FleetRole = DefaultFleetRole
	}
	return d
}

// Validate checks d for construction errors. Validation is
// all-or-nothing: a definition that fails here composes nothing and
// declares nothing.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("fleet name %q", d.Name)
	}
	if !validName.MatchString(d.Name) || len(d.Name) > 100 {
		return errors.NotValidf("fleet name %q", d.Name)
	}
	if d.InstanceType == "" {
		return errors.NotValidf("instance type %q", d.InstanceType)
	}
	if d.TargetCapacity < 1 {
		return errors.NotValidf("target capacity %d", d.TargetCapacity)
	}
	if !knownInterruptionBehavior(d.InterruptionBehavior) {
		return errors.NotValidf("interruption behavior %q", d.InterruptionBehavior)
	}
	if !d.ValidFrom.IsZero() && !d.ValidUntil.IsZero() && !d.ValidUntil.After(d.ValidFrom) {
		return errors.NotValidf("validity window ending %s before it starts", d.ValidUntil.Format(time.RFC3339))
	}
	if d.RootVolumeSize < 0 {
		return errors.NotValidf("root volume size %d GiB", d.RootVolumeSize)
	}
	seen := set.NewStrings()
	for _, id := range d.SecurityGroupIDs {
		if id == "" {
			return errors.NotValidf("empty security group id")
		}
		if seen.Contains(id) {
			return errors.NotValidf("duplicate security group %q", id)
		}
		seen.Add(id)
	}
	for k := range d.Tags {
		if k == "" {
			return errors.NotValidf("empty tag key")
		}
	}
	return nil
}

func knownInterruptionBehavior(b types.InstanceInterruptionBehavior) bool {
	for _, known := range b.Values() {
		if b == known {
			return true
		}
	}
	return false
}

// ExpireAfter returns a copy of d whose request stops being valid
// once after has passed, measured from the current time on clk.
// Unless RetainOnExpiry is set, expiry terminates the fleet's
// instances with it.
func ExpireAfter(d Definition, clk clock.Clock, after time.Duration) Definition {
	d.ValidUntil = clk.Now().UTC().Add(after)
	return d
}

// resourceName derives the name used for resources belonging to the
// fleet named name.
func resourceName(name string) string {
	return namePrefix + name
}
