// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

// Package userdata composes the bootstrap script injected into an
// instance's user data at launch.
//
// Scripted bootstrap exists only for Linux images: a Windows config
// always renders to the empty string, and any additional commands it
// carries are dropped rather than rejected or routed through a
// PowerShell equivalent. Callers that need Windows-side setup must
// bake it into the image.
//
// Rendering is a pure function of the config: equal configs render
// byte-identical scripts.
package userdata

import (
	"strings"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"

	"github.com/alsantos123/spot-one/core/platform"
)

const shebang = "#!/bin/bash"

// defaultImageSetup is the fixed baseline run on the stock Amazon Linux
// image: the SSM agent (served from the ec2-downloads-windows bucket for
// every platform, Linux included), the docker runtime, group membership
// for the two accounts that exec into containers, and the service start.
// Custom images are assumed to have equivalent setup baked in.
var defaultImageSetup = []string{
	"yum install -y https://s3.amazonaws.com/ec2-downloads-windows/SSMAgent/latest/linux_amd64/amazon-ssm-agent.rpm",
	"yum install -y docker",
	"usermod -aG docker ec2-user",
	"usermod -aG docker ssm-user",
	"service docker start",
}

// Params holds the inputs for a bootstrap config. Every field is
// explicit; fleet-level defaulting happens before this point.
type Params struct {
	// Platform is the image's platform family.
	Platform platform.Platform

	// CustomImage is true when the caller supplied their own machine
	// image, which skips the baseline setup.
	CustomImage bool

	// Commands are appended to the script verbatim, one per line, in
	// order. No quoting or escaping is applied; see Command for an
	// opt-in way to build a safe command line. A nil slice is an empty
	// list. On Windows the commands are dropped (see package doc).
	Commands []string
}

// Config is an immutable bootstrap script description. Construct it
// with New and render it with Render; it holds no other state.
type Config struct {
	platform    platform.Platform
	customImage bool
	commands    []string
}

// New validates p and returns the corresponding Config. The commands
// are copied, so later mutation of p.Commands does not affect the
// returned config.
func New(p Params) (*Config, error) {
	if err := p.Platform.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg := &Config{
		platform:    p.Platform,
		customImage: p.CustomImage,
	}
	if len(p.Commands) > 0 {
		cfg.commands = append([]string(nil), p.Commands...)
	}
	return cfg, nil
}

// Render returns the bootstrap script, which is empty for any platform
// but Linux. For Linux it is the shebang line, then the baseline setup
// unless a custom image is in use, then the additional commands; lines
// are joined with a single newline and there is no trailing newline.
func (c *Config) Render() string {
	switch c.platform {
	case platform.Linux:
		lines := make([]string, 0, 1+len(defaultImageSetup)+len(c.commands))
		lines = append(lines, shebang)
		if !c.customImage {
			lines = append(lines, defaultImageSetup...)
		}
		lines = append(lines, c.commands...)
		return strings.Join(lines, "\n")
	}
	return ""
}

// Command joins argv-style words into a single shell command line,
// quoting each word as needed. Render never applies this itself.
func Command(args ...string) string {
	return shellquote.Join(args...)
}
