// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

// Attribute names accepted in a YAML fleet definition. They mirror the
// Definition fields one for one.
const (
	attrName                 = "name"
	attrInstanceType         = "instance-type"
	attrImageID              = "image-id"
	attrKeyName              = "key-name"
	attrSubnetID             = "subnet-id"
	attrSecurityGroups       = "security-groups"
	attrInstanceProfile      = "instance-profile"
	attrFleetRole            = "fleet-role"
	attrTargetCapacity       = "target-capacity"
	attrInterruptionBehavior = "interruption-behavior"
	attrValidFrom            = "valid-from"
	attrValidUntil           = "valid-until"
	attrRetainOnExpiry       = "retain-on-expiry"
	attrSpotPrice            = "spot-price"
	attrRootVolumeSize       = "root-volume-size"
	attrCommands             = "commands"
	attrTags                 = "tags"
	attrEIPAllocationID      = "eip-allocation-id"
)

var definitionFields = schema.Fields{
	attrName:                 schema.String(),
	attrInstanceType:         schema.String(),
	attrImageID:              schema.String(),
	attrKeyName:              schema.String(),
	attrSubnetID:             schema.String(),
	attrSecurityGroups:       schema.List(schema.String()),
	attrInstanceProfile:      schema.String(),
	attrFleetRole:            schema.String(),
	attrTargetCapacity:       schema.ForceInt(),
	attrInterruptionBehavior: schema.String(),
	attrValidFrom:            schema.Time(),
	attrValidUntil:           schema.Time(),
	attrRetainOnExpiry:       schema.Bool(),
	attrSpotPrice:            schema.String(),
	attrRootVolumeSize:       schema.ForceInt(),
	attrCommands:             schema.List(schema.String()),
	attrTags:                 schema.StringMap(schema.String()),
	attrEIPAllocationID:      schema.String(),
}

// Only the name is mandatory; WithDefaults resolves the rest.
var definitionDefaults = schema.Defaults{
	attrInstanceType:         schema.Omit,
	attrImageID:              schema.Omit,
	attrKeyName:              schema.Omit,
	attrSubnetID:             schema.Omit,
	attrSecurityGroups:       schema.Omit,
	attrInstanceProfile:      schema.Omit,
	attrFleetRole:            schema.Omit,
	attrTargetCapacity:       schema.Omit,
	attrInterruptionBehavior: schema.Omit,
	attrValidFrom:            schema.Omit,
	attrValidUntil:           schema.Omit,
	attrRetainOnExpiry:       schema.Omit,
	attrSpotPrice:            schema.Omit,
	attrRootVolumeSize:       schema.Omit,
	attrCommands:             schema.Omit,
	attrTags:                 schema.Omit,
	attrEIPAllocationID:      schema.Omit,
}

var definitionChecker = schema.StrictFieldMap(definitionFields, definitionDefaults)

// ParseDefinition reads a YAML fleet definition, coerces it against the
// attribute schema (unknown attributes are errors), resolves defaults
// and validates the result.
func ParseDefinition(data []byte) (Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, errors.Annotate(err, "parsing fleet definition")
	}
	coerced, err := definitionChecker.Coerce(raw, nil)
	if err != nil {
		return Definition{}, errors.NewNotValid(err, "invalid fleet definition")
	}
	attrs := coerced.(map[string]interface{})

	def := Definition{
		Name:                 attrString(attrs, attrName),
		InstanceType:         attrString(attrs, attrInstanceType),
		ImageID:              attrString(attrs, attrImageID),
		KeyName:              attrString(attrs, attrKeyName),
		SubnetID:             attrString(attrs, attrSubnetID),
		SecurityGroupIDs:     attrStrings(attrs, attrSecurityGroups),
		InstanceProfile:      attrString(attrs, attrInstanceProfile),
		FleetRole:            attrString(attrs, attrFleetRole),
		InterruptionBehavior: types.InstanceInterruptionBehavior(attrString(attrs, attrInterruptionBehavior)),
		ValidFrom:            attrTime(attrs, attrValidFrom),
		ValidUntil:           attrTime(attrs, attrValidUntil),
		RetainOnExpiry:       attrBool(attrs, attrRetainOnExpiry),
		SpotPrice:            attrString(attrs, attrSpotPrice),
		Commands:             attrStrings(attrs, attrCommands),
		Tags:                 attrStringMap(attrs, attrTags),
		EIPAllocationID:      attrString(attrs, attrEIPAllocationID),
	}
	if def.TargetCapacity, err = attrInt32(attrs, attrTargetCapacity); err != nil {
		return Definition{}, errors.Trace(err)
	}
	if def.RootVolumeSize, err = attrInt32(attrs, attrRootVolumeSize); err != nil {
		return Definition{}, errors.Trace(err)
	}

	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return Definition{}, errors.Trace(err)
	}
	return def, nil
}

func attrString(attrs map[string]interface{}, key string) string {
	v, ok := attrs[key]
	if !ok {
		return ""
	}
	return v.(string)
}

// attrInt32 reads an integer attribute, rejecting values that do not
// fit in an int32.
func attrInt32(attrs map[string]interface{}, key string) (int32, error) {
	v, ok := attrs[key]
	if !ok {
		return 0, nil
	}
	n := v.(int)
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, errors.NotValidf("%s %d", key, n)
	}
	return int32(n), nil
}

func attrBool(attrs map[string]interface{}, key string) bool {
	v, ok := attrs[key]
	if !ok {
		return false
	}
	return v.(bool)
}

func attrStrings(attrs map[string]interface{}, key string) []string {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	items := v.([]interface{})
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.(string)
	}
	return out
}

func attrStringMap(attrs map[string]interface{}, key string) map[string]string {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	items := v.(map[string]interface{})
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for k, item := range items {
		out[k] = item.(string)
	}
	return out
}

// attrTime reads a timestamp attribute already coerced by schema.Time,
// which takes both the time.Time the YAML decoder produces for bare
// RFC3339 scalars and the string form quoted values arrive as.
func attrTime(attrs map[string]interface{}, key string) time.Time {
	v, ok := attrs[key]
	if !ok {
		return time.Time{}
	}
	return v.(time.Time)
}
