// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMServer implements an IAM simulator for use in testing.
type IAMServer struct {
	mu sync.Mutex

	roles            map[string]*types.Role
	instanceProfiles map[string]*types.InstanceProfile
}

func NewIAMServer() *IAMServer {
	srv := &IAMServer{}
	srv.Reset()
	return srv
}

func (i *IAMServer) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.roles = make(map[string]*types.Role)
	i.instanceProfiles = make(map[string]*types.InstanceProfile)
}

// AddRole registers a role under the given name with a synthesised
// ARN, returning the ARN.
func (i *IAMServer) AddRole(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	createDate := time.Now()
	arn := fmt.Sprintf("arn:aws:iam::123456789012:role/%s", name)
	i.roles[name] = &types.Role{
		Arn:        aws.String(arn),
		CreateDate: &createDate,
		RoleName:   aws.String(name),
	}
	return arn
}

func (i *IAMServer) GetRole(
	ctx context.Context,
	input *iam.GetRoleInput,
	opts ...func(*iam.Options),
) (*iam.GetRoleOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	role, exists := i.roles[aws.ToString(input.RoleName)]
	if !exists {
		return nil, apiError("NoSuchEntity", "role %s not found", aws.ToString(input.RoleName))
	}
	return &iam.GetRoleOutput{
		Role: role,
	}, nil
}

// AddInstanceProfile registers an instance profile under the given name
// with a synthesised ARN, returning the ARN.
func (i *IAMServer) AddInstanceProfile(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	createDate := time.Now()
	arn := fmt.Sprintf("arn:aws:iam::123456789012:instance-profile/%s", name)
	i.instanceProfiles[name] = &types.InstanceProfile{
		Arn:                 aws.String(arn),
		CreateDate:          &createDate,
		InstanceProfileName: aws.String(name),
	}
	return arn
}

func (i *IAMServer) GetInstanceProfile(
	ctx context.Context,
	input *iam.GetInstanceProfileInput,
	opts ...func(*iam.Options),
) (*iam.GetInstanceProfileOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	name := aws.ToString(input.InstanceProfileName)
	profile, exists := i.instanceProfiles[name]
	if !exists {
		return nil, apiError("NoSuchEntity", "instance profile %s not found", name)
	}
	return &iam.GetInstanceProfileOutput{
		InstanceProfile: profile,
	}, nil
}
