// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// rootDeviceName is where Amazon Linux images attach their root
// volume.
const rootDeviceName = "/dev/xvda"

// templateVersionLatest pins the fleet request to whatever version of
// the launch template was registered last.
const templateVersionLatest = "$Latest"

// Plan holds the fully assembled EC2 declarations for one fleet: the
// launch template to register and the spot fleet request that
// references it by name. A Plan is built in its entirety before any
// call is made against the EC2 API, so a failed launch never leaves a
// partially composed request behind.
type Plan struct {
	LaunchTemplate *ec2.CreateLaunchTemplateInput
	Request        *ec2.RequestSpotFleetInput
}

// Compose assembles the launch template and spot fleet request
// declarations for def. The definition must already have its defaults
// resolved and have passed validation. An empty script leaves the
// template without user data; otherwise the script is base64 encoded
// here, at the point the declaration is assembled.
func Compose(def Definition, img Image, script, fleetRoleARN, token string) Plan {
	data := &types.RequestLaunchTemplateData{
		ImageId:          aws.String(img.ID),
		InstanceType:     types.InstanceType(def.InstanceType),
		SecurityGroupIds: def.SecurityGroupIDs,
		TagSpecifications: []types.LaunchTemplateTagSpecificationRequest{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tagList(def),
		}},
	}
	if def.KeyName != "" {
		data.KeyName = aws.String(def.KeyName)
	}
	if def.InstanceProfile != "" {
		profile := &types.LaunchTemplateIamInstanceProfileSpecificationRequest{}
		if strings.HasPrefix(def.InstanceProfile, "arn:") {
			profile.Arn = aws.String(def.InstanceProfile)
		} else {
			profile.Name = aws.String(def.InstanceProfile)
		}
		data.IamInstanceProfile = profile
	}
	if script != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(script)))
	}
	if def.RootVolumeSize > 0 {
		data.BlockDeviceMappings = []types.LaunchTemplateBlockDeviceMappingRequest{{
			DeviceName: aws.String(rootDeviceName),
			Ebs: &types.LaunchTemplateEbsBlockDeviceRequest{
				VolumeSize:          aws.Int32(def.RootVolumeSize),
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}

	template := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(resourceName(def.Name)),
		LaunchTemplateData: data,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeLaunchTemplate,
			Tags:         tagList(def),
		}},
	}

	config := &types.SpotFleetRequestConfigData{
		IamFleetRole:                     aws.String(fleetRoleARN),
		TargetCapacity:                   aws.Int32(def.TargetCapacity),
		ClientToken:                      aws.String(token),
		InstanceInterruptionBehavior:     def.InterruptionBehavior,
		TerminateInstancesWithExpiration: aws.Bool(!def.RetainOnExpiry),
		LaunchTemplateConfigs: []types.LaunchTemplateConfig{{
			LaunchTemplateSpecification: &types.FleetLaunchTemplateSpecification{
				LaunchTemplateName: aws.String(resourceName(def.Name)),
				Version:            aws.String(templateVersionLatest),
			},
			Overrides: subnetOverrides(def),
		}},
	}
	if def.SpotPrice != "" {
		config.SpotPrice = aws.String(def.SpotPrice)
	}
	if !def.ValidFrom.IsZero() {
		config.ValidFrom = aws.Time(def.ValidFrom)
	}
	if !def.ValidUntil.IsZero() {
		config.ValidUntil = aws.Time(def.ValidUntil)
	}

	return Plan{
		LaunchTemplate: template,
		Request:        &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: config},
	}
}

func subnetOverrides(def Definition) []types.LaunchTemplateOverrides {
	if def.SubnetID == "" {
		return nil
	}
	return []types.LaunchTemplateOverrides{{
		SubnetId: aws.String(def.SubnetID),
	}}
}

// tagList merges the definition tags over the default Name tag and
// returns them in a stable order.
func tagList(def Definition) []types.Tag {
	merged := map[string]string{"Name": def.Name}
	for k, v := range def.Tags {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(merged[k]),
		})
	}
	return tags
}
