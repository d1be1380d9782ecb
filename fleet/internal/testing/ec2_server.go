// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

// Package testing implements in-memory simulators of the EC2, IAM and
// SSM API surfaces the fleet package drives.
package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	stateActive               = "active"
	stateCancelledRunning     = "cancelled_running"
	stateCancelledTerminating = "cancelled_terminating"
)

type spotFleetRequest struct {
	id        string
	config    types.SpotFleetRequestConfigData
	state     string
	instances []types.ActiveInstance
}

// EC2Server implements an EC2 simulator for use in testing. Spot
// fleet requests acquire their target capacity as soon as they are
// made unless HoldCapacity is set.
type EC2Server struct {
	mu sync.Mutex

	launchTemplates map[string]*ec2.CreateLaunchTemplateInput
	fleetRequests   map[string]*spotFleetRequest
	instances       map[string]types.Instance
	images          map[string]types.Image
	associations    map[string]string

	allocations  map[string]bool
	holdCapacity bool
	omitPublicIP bool

	nextTemplate int
	nextFleet    int
	nextInstance int
}

func NewEC2Server() *EC2Server {
	srv := &EC2Server{}
	srv.Reset()
	return srv
}

func (s *EC2Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.launchTemplates = make(map[string]*ec2.CreateLaunchTemplateInput)
	s.fleetRequests = make(map[string]*spotFleetRequest)
	s.instances = make(map[string]types.Instance)
	s.images = make(map[string]types.Image)
	s.associations = make(map[string]string)
	s.allocations = make(map[string]bool)
	s.holdCapacity = false
	s.omitPublicIP = false
}

// HoldCapacity stops new fleet requests from acquiring instances
// until ProvisionCapacity is called.
func (s *EC2Server) HoldCapacity(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdCapacity = hold
}

// OmitPublicIP starts subsequent instances without a public address.
func (s *EC2Server) OmitPublicIP(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitPublicIP = omit
}

// AddImage registers an image for DescribeImages.
func (s *EC2Server) AddImage(img types.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[aws.ToString(img.ImageId)] = img
}

// AddAllocation registers an elastic IP allocation that
// AssociateAddress will accept.
func (s *EC2Server) AddAllocation(allocationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[allocationID] = true
}

// LaunchTemplate returns the registered template input with the given
// name, or nil.
func (s *EC2Server) LaunchTemplate(name string) *ec2.CreateLaunchTemplateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchTemplates[name]
}

// FleetRequestConfig returns the stored configuration of a fleet
// request.
func (s *EC2Server) FleetRequestConfig(id string) (types.SpotFleetRequestConfigData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.fleetRequests[id]
	if !ok {
		return types.SpotFleetRequestConfigData{}, false
	}
	return req.config, true
}

// FleetRequestState returns the lifecycle state of a fleet request.
func (s *EC2Server) FleetRequestState(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.fleetRequests[id]
	if !ok {
		return "", false
	}
	return req.state, true
}

// Instance returns a started instance by id.
func (s *EC2Server) Instance(id string) (types.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// Association returns the instance an allocation was associated with.
func (s *EC2Server) Association(allocationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.associations[allocationID]
	return id, ok
}

// ProvisionCapacity starts the instances of every fleet request that
// is still below its target capacity.
func (s *EC2Server) ProvisionCapacity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.fleetRequests {
		if req.state != stateActive {
			continue
		}
		s.provision(req)
	}
}

func (s *EC2Server) provision(req *spotFleetRequest) {
	target := int(aws.ToInt32(req.config.TargetCapacity))
	for len(req.instances) < target {
		s.nextInstance++
		id := fmt.Sprintf("i-%08d", s.nextInstance)

		var instanceType types.InstanceType
		var subnetID *string
		if configs := req.config.LaunchTemplateConfigs; len(configs) > 0 {
			if name := aws.ToString(configs[0].LaunchTemplateSpecification.LaunchTemplateName); name != "" {
				if template, ok := s.launchTemplates[name]; ok {
					instanceType = template.LaunchTemplateData.InstanceType
				}
			}
			if overrides := configs[0].Overrides; len(overrides) > 0 {
				subnetID = overrides[0].SubnetId
			}
		}

		inst := types.Instance{
			InstanceId:   aws.String(id),
			InstanceType: instanceType,
			SubnetId:     subnetID,
			State: &types.InstanceState{
				Name: types.InstanceStateNameRunning,
			},
		}
		if !s.omitPublicIP {
			inst.PublicIpAddress = aws.String(fmt.Sprintf("203.0.113.%d", s.nextInstance))
		}
		s.instances[id] = inst

		req.instances = append(req.instances, types.ActiveInstance{
			InstanceId:            aws.String(id),
			InstanceType:          aws.String(string(instanceType)),
			SpotInstanceRequestId: aws.String(fmt.Sprintf("sir-%08d", s.nextInstance)),
		})
	}
}

func (s *EC2Server) CreateLaunchTemplate(
	ctx context.Context,
	input *ec2.CreateLaunchTemplateInput,
	opts ...func(*ec2.Options),
) (*ec2.CreateLaunchTemplateOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := aws.ToString(input.LaunchTemplateName)
	if _, exists := s.launchTemplates[name]; exists {
		return nil, apiError("InvalidLaunchTemplateName.AlreadyExistsException", "launch template %s already exists", name)
	}
	s.nextTemplate++
	s.launchTemplates[name] = input

	return &ec2.CreateLaunchTemplateOutput{
		LaunchTemplate: &types.LaunchTemplate{
			LaunchTemplateId:    aws.String(fmt.Sprintf("lt-%08d", s.nextTemplate)),
			LaunchTemplateName:  input.LaunchTemplateName,
			LatestVersionNumber: aws.Int64(1),
		},
	}, nil
}

func (s *EC2Server) RequestSpotFleet(
	ctx context.Context,
	input *ec2.RequestSpotFleetInput,
	opts ...func(*ec2.Options),
) (*ec2.RequestSpotFleetOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	config := input.SpotFleetRequestConfig
	for _, templateConfig := range config.LaunchTemplateConfigs {
		name := aws.ToString(templateConfig.LaunchTemplateSpecification.LaunchTemplateName)
		if _, ok := s.launchTemplates[name]; !ok {
			return nil, apiError("InvalidSpotFleetRequestConfig", "launch template %s not found", name)
		}
	}

	s.nextFleet++
	req := &spotFleetRequest{
		id:     fmt.Sprintf("sfr-%08d", s.nextFleet),
		config: *config,
		state:  stateActive,
	}
	s.fleetRequests[req.id] = req
	if !s.holdCapacity {
		s.provision(req)
	}

	return &ec2.RequestSpotFleetOutput{
		SpotFleetRequestId: aws.String(req.id),
	}, nil
}

func (s *EC2Server) DescribeSpotFleetInstances(
	ctx context.Context,
	input *ec2.DescribeSpotFleetInstancesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.fleetRequests[aws.ToString(input.SpotFleetRequestId)]
	if !ok {
		return nil, apiError("InvalidSpotFleetRequestId.NotFound", "spot fleet request %s not found", aws.ToString(input.SpotFleetRequestId))
	}
	return &ec2.DescribeSpotFleetInstancesOutput{
		ActiveInstances:    req.instances,
		SpotFleetRequestId: aws.String(req.id),
	}, nil
}

func (s *EC2Server) DescribeInstances(
	ctx context.Context,
	input *ec2.DescribeInstancesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var instances []types.Instance
	for _, id := range input.InstanceIds {
		inst, ok := s.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound", "instance %s not found", id)
		}
		instances = append(instances, inst)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: instances,
		}},
	}, nil
}

func (s *EC2Server) DescribeImages(
	ctx context.Context,
	input *ec2.DescribeImagesInput,
	opts ...func(*ec2.Options),
) (*ec2.DescribeImagesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var images []types.Image
	for _, id := range input.ImageIds {
		if img, ok := s.images[id]; ok {
			images = append(images, img)
		}
	}
	return &ec2.DescribeImagesOutput{Images: images}, nil
}

func (s *EC2Server) AssociateAddress(
	ctx context.Context,
	input *ec2.AssociateAddressInput,
	opts ...func(*ec2.Options),
) (*ec2.AssociateAddressOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allocationID := aws.ToString(input.AllocationId)
	if !s.allocations[allocationID] {
		return nil, apiError("InvalidAllocationID.NotFound", "allocation %s not found", allocationID)
	}
	instanceID := aws.ToString(input.InstanceId)
	if _, ok := s.instances[instanceID]; !ok {
		return nil, apiError("InvalidInstanceID.NotFound", "instance %s not found", instanceID)
	}
	s.associations[allocationID] = instanceID

	return &ec2.AssociateAddressOutput{
		AssociationId: aws.String("eipassoc-" + allocationID),
	}, nil
}

func (s *EC2Server) CancelSpotFleetRequests(
	ctx context.Context,
	input *ec2.CancelSpotFleetRequestsInput,
	opts ...func(*ec2.Options),
) (*ec2.CancelSpotFleetRequestsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []types.CancelSpotFleetRequestsSuccessItem
	for _, id := range input.SpotFleetRequestIds {
		req, ok := s.fleetRequests[id]
		if !ok {
			return nil, apiError("InvalidSpotFleetRequestId.NotFound", "spot fleet request %s not found", id)
		}
		previous := req.state
		if aws.ToBool(input.TerminateInstances) {
			req.state = stateCancelledTerminating
			for _, active := range req.instances {
				delete(s.instances, aws.ToString(active.InstanceId))
			}
			req.instances = nil
		} else {
			req.state = stateCancelledRunning
		}
		cancelled = append(cancelled, types.CancelSpotFleetRequestsSuccessItem{
			SpotFleetRequestId:            aws.String(id),
			CurrentSpotFleetRequestState:  types.BatchState(req.state),
			PreviousSpotFleetRequestState: types.BatchState(previous),
		})
	}
	return &ec2.CancelSpotFleetRequestsOutput{
		SuccessfulFleetRequests: cancelled,
	}, nil
}
