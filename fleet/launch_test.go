// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	fleettesting "github.com/alsantos123/spot-one/fleet/internal/testing"
)

type launchSuite struct {
	testing.IsolationSuite

	ec2Srv *fleettesting.EC2Server
	iamSrv *fleettesting.IAMServer
	ssmSrv *fleettesting.SSMServer

	launcher *Launcher
	roleARN  string
}

var _ = gc.Suite(&launchSuite{})

func (s *launchSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.ec2Srv = fleettesting.NewEC2Server()
	s.iamSrv = fleettesting.NewIAMServer()
	s.ssmSrv = fleettesting.NewSSMServer()

	s.ssmSrv.SetParameter(defaultImageParameter, "ami-default")
	s.roleARN = s.iamSrv.AddRole(DefaultFleetRole)

	launcher, err := NewLauncher(LauncherConfig{
		Clients: &ClientSet{EC2: s.ec2Srv, IAM: s.iamSrv, SSM: s.ssmSrv},
		Clock:   clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.launcher = launcher

	s.PatchValue(&waitInstancePollDelay, time.Millisecond)
}

func (s *launchSuite) TestNewLauncherValidatesConfig(c *gc.C) {
	_, err := NewLauncher(LauncherConfig{Clock: clock.WallClock})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `nil Clients not valid`)

	_, err = NewLauncher(LauncherConfig{
		Clients: &ClientSet{EC2: s.ec2Srv, IAM: s.iamSrv, SSM: s.ssmSrv},
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `nil Clock not valid`)
}

func (s *launchSuite) TestNewLauncherValidatesClients(c *gc.C) {
	for i, test := range []struct {
		about   string
		clients ClientSet
		err     string
	}{{
		about:   "nil EC2",
		clients: ClientSet{IAM: s.iamSrv, SSM: s.ssmSrv},
		err:     `nil EC2 client not valid`,
	}, {
		about:   "nil IAM",
		clients: ClientSet{EC2: s.ec2Srv, SSM: s.ssmSrv},
		err:     `nil IAM client not valid`,
	}, {
		about:   "nil SSM",
		clients: ClientSet{EC2: s.ec2Srv, IAM: s.iamSrv},
		err:     `nil SSM client not valid`,
	}} {
		c.Logf("test %d: %s", i, test.about)
		_, err := NewLauncher(LauncherConfig{Clients: &test.clients, Clock: clock.WallClock})
		c.Assert(err, jc.ErrorIs, errors.NotValid)
		c.Assert(err, gc.ErrorMatches, test.err)
	}
}

func (s *launchSuite) TestLaunchDefaultImage(c *gc.C) {
	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fleet.Name, gc.Equals, "worker")
	c.Assert(fleet.RequestID, gc.Equals, "sfr-00000001")

	template := s.ec2Srv.LaunchTemplate("spot-one-worker")
	c.Assert(template, gc.NotNil)
	c.Assert(aws.ToString(template.LaunchTemplateData.ImageId), gc.Equals, "ami-default")

	script, err := base64.StdEncoding.DecodeString(aws.ToString(template.LaunchTemplateData.UserData))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(strings.HasPrefix(string(script), "#!/bin/bash\n"), jc.IsTrue)
	c.Assert(string(script), gc.Matches, `(?s).*amazon-ssm-agent.*`)

	config, ok := s.ec2Srv.FleetRequestConfig(fleet.RequestID)
	c.Assert(ok, jc.IsTrue)
	c.Assert(aws.ToString(config.IamFleetRole), gc.Equals, s.roleARN)
	c.Assert(aws.ToInt32(config.TargetCapacity), gc.Equals, int32(1))
	c.Assert(aws.ToString(config.ClientToken), gc.Not(gc.Equals), "")
}

func (s *launchSuite) TestLaunchLogsComposedUserData(c *gc.C) {
	tw := &loggo.TestWriter{}
	c.Assert(loggo.RegisterWriter("launch-tester", tw), jc.ErrorIsNil)
	defer loggo.RemoveWriter("launch-tester")
	logger.SetLogLevel(loggo.DEBUG)

	_, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(tw.Log(), jc.LogMatches, jc.SimpleMessages{
		{Level: loggo.DEBUG, Message: `(?s)composed user data for fleet "worker":\n#!/bin/bash\n.*service docker start`},
	})
}

func (s *launchSuite) TestLaunchRejectsInvalidDefinition(c *gc.C) {
	_, err := s.launcher.Launch(context.Background(), Definition{Name: "-bad-"})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(s.ec2Srv.LaunchTemplate("spot-one--bad-"), gc.IsNil)
}

func (s *launchSuite) TestLaunchFleetRoleNotFound(c *gc.C) {
	_, err := s.launcher.Launch(context.Background(), Definition{
		Name:      "worker",
		FleetRole: "missing-role",
	})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(err, gc.ErrorMatches, `fleet role "missing-role" not found`)
}

func (s *launchSuite) TestLaunchFleetRoleARNPassesThrough(c *gc.C) {
	s.iamSrv.Reset()

	arn := "arn:aws:iam::123456789012:role/elsewhere"
	fleet, err := s.launcher.Launch(context.Background(), Definition{
		Name:      "worker",
		FleetRole: arn,
	})
	c.Assert(err, jc.ErrorIsNil)

	config, ok := s.ec2Srv.FleetRequestConfig(fleet.RequestID)
	c.Assert(ok, jc.IsTrue)
	c.Assert(aws.ToString(config.IamFleetRole), gc.Equals, arn)
}

func (s *launchSuite) TestLaunchResolvesInstanceProfile(c *gc.C) {
	profileARN := s.iamSrv.AddInstanceProfile("worker-profile")

	_, err := s.launcher.Launch(context.Background(), Definition{
		Name:            "worker",
		InstanceProfile: "worker-profile",
	})
	c.Assert(err, jc.ErrorIsNil)

	template := s.ec2Srv.LaunchTemplate("spot-one-worker")
	c.Assert(template, gc.NotNil)
	profile := template.LaunchTemplateData.IamInstanceProfile
	c.Assert(profile, gc.NotNil)
	c.Assert(aws.ToString(profile.Arn), gc.Equals, profileARN)
	c.Assert(profile.Name, gc.IsNil)
}

func (s *launchSuite) TestLaunchInstanceProfileNotFound(c *gc.C) {
	_, err := s.launcher.Launch(context.Background(), Definition{
		Name:            "worker",
		InstanceProfile: "missing-profile",
	})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(err, gc.ErrorMatches, `instance profile "missing-profile" not found`)
}

func (s *launchSuite) TestLaunchCustomImageSkipsBaseline(c *gc.C) {
	s.ec2Srv.AddImage(ec2Image("ami-custom", false))

	_, err := s.launcher.Launch(context.Background(), Definition{
		Name:     "worker",
		ImageID:  "ami-custom",
		Commands: []string{"echo ready"},
	})
	c.Assert(err, jc.ErrorIsNil)

	template := s.ec2Srv.LaunchTemplate("spot-one-worker")
	c.Assert(template, gc.NotNil)
	script, err := base64.StdEncoding.DecodeString(aws.ToString(template.LaunchTemplateData.UserData))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(script), gc.Equals, "#!/bin/bash\necho ready")
}

func (s *launchSuite) TestLaunchWindowsImageHasNoUserData(c *gc.C) {
	s.ec2Srv.AddImage(ec2Image("ami-win", true))

	_, err := s.launcher.Launch(context.Background(), Definition{
		Name:     "worker",
		ImageID:  "ami-win",
		Commands: []string{"echo dropped"},
	})
	c.Assert(err, jc.ErrorIsNil)

	template := s.ec2Srv.LaunchTemplate("spot-one-worker")
	c.Assert(template, gc.NotNil)
	c.Assert(template.LaunchTemplateData.UserData, gc.IsNil)
}

func (s *launchSuite) TestWaitInstance(c *gc.C) {
	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)

	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id, gc.Equals, "i-00000001")
}

func (s *launchSuite) TestWaitInstancePollsUntilCapacity(c *gc.C) {
	s.ec2Srv.HoldCapacity(true)

	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.launcher.WaitInstance(context.Background(), fleet, 20*time.Millisecond)
	c.Assert(err, gc.ErrorMatches, `waiting for an instance of fleet "worker": .*`)

	s.ec2Srv.ProvisionCapacity()
	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id, gc.Equals, "i-00000001")
}

func (s *launchSuite) TestWaitInstanceStops(c *gc.C) {
	s.ec2Srv.HoldCapacity(true)

	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.launcher.WaitInstance(ctx, fleet, time.Minute)
	c.Assert(err, gc.ErrorMatches, `waiting for an instance of fleet "worker": .*`)
}

func (s *launchSuite) TestWaitInstanceAssociatesEIP(c *gc.C) {
	s.ec2Srv.AddAllocation("eipalloc-1234")

	fleet, err := s.launcher.Launch(context.Background(), Definition{
		Name:            "worker",
		EIPAllocationID: "eipalloc-1234",
	})
	c.Assert(err, jc.ErrorIsNil)

	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	associated, ok := s.ec2Srv.Association("eipalloc-1234")
	c.Assert(ok, jc.IsTrue)
	c.Assert(associated, gc.Equals, id)
}

func (s *launchSuite) TestWaitInstanceUnknownAllocation(c *gc.C) {
	fleet, err := s.launcher.Launch(context.Background(), Definition{
		Name:            "worker",
		EIPAllocationID: "eipalloc-nope",
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, gc.ErrorMatches, `associating address "eipalloc-nope" with instance "i-00000001": .*`)
}

func (s *launchSuite) TestAddress(c *gc.C) {
	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)
	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	addr, err := s.launcher.Address(context.Background(), id)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(addr, gc.Equals, "203.0.113.1")
}

func (s *launchSuite) TestAddressNotAssigned(c *gc.C) {
	s.ec2Srv.OmitPublicIP(true)

	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)
	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.launcher.Address(context.Background(), id)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *launchSuite) TestTerminate(c *gc.C) {
	fleet, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)
	id, err := s.launcher.WaitInstance(context.Background(), fleet, time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.launcher.Terminate(context.Background(), fleet), jc.ErrorIsNil)

	state, ok := s.ec2Srv.FleetRequestState(fleet.RequestID)
	c.Assert(ok, jc.IsTrue)
	c.Assert(state, gc.Equals, "cancelled_terminating")
	_, ok = s.ec2Srv.Instance(id)
	c.Assert(ok, jc.IsFalse)
}

func (s *launchSuite) TestLaunchTwiceSameNameFails(c *gc.C) {
	_, err := s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.launcher.Launch(context.Background(), Definition{Name: "worker"})
	c.Assert(err, gc.ErrorMatches, `creating launch template for fleet "worker": .*already exists.*`)
}

func ec2Image(id string, windows bool) types.Image {
	img := types.Image{ImageId: aws.String(id)}
	if windows {
		img.Platform = types.PlatformValuesWindows
	}
	return img
}
