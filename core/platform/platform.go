// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

// Package platform holds the closed set of platform families a machine
// image can belong to. Fleet behaviour that depends on the guest OS
// branches on this enum so that adding a family is a compile-time
// extension point rather than a scattering of string comparisons.
package platform

import (
	"strings"

	"github.com/juju/errors"
)

// Platform is the family of operating system baked into a machine image.
type Platform int

const (
	Unknown Platform = iota
	Linux
	Windows
)

func (p Platform) String() string {
	switch p {
	case Linux:
		return "Linux"
	case Windows:
		return "Windows"
	}
	return "Unknown"
}

// IsLinux returns true for the Linux family. Bootstrap scripting is
// only meaningful on Linux images; callers gate on this rather than
// comparing against individual constants.
func (p Platform) IsLinux() bool {
	return p == Linux
}

// Validate returns an error unless p is one of the known families.
func (p Platform) Validate() error {
	switch p {
	case Linux, Windows:
		return nil
	}
	return errors.NotValidf("platform %d", int(p))
}

var validPlatformNames = map[string]Platform{
	"linux":   Linux,
	"windows": Windows,
}

// Parse returns the platform named by s, case-insensitively.
func Parse(s string) (Platform, error) {
	p, ok := validPlatformNames[strings.ToLower(s)]
	if !ok {
		return Unknown, errors.NotValidf("platform name %q", s)
	}
	return p, nil
}
