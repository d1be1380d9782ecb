// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package fleet

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/juju/errors"

	"github.com/alsantos123/spot-one/core/platform"
)

// defaultImageParameter is the public SSM parameter under which AWS
// publishes the latest Amazon Linux 2 AMI for each region.
const defaultImageParameter = "/aws/service/ami-amazon-linux-latest/amzn2-ami-hvm-x86_64-gp2"

// Image is a resolved machine image together with the platform its
// instances boot as. Custom is false only for the region default
// image, which is the one image the bootstrap baseline is written for.
type Image struct {
	ID       string
	Platform platform.Platform
	Custom   bool
}

// ImageParameterClient is the subset of the SSM API needed to resolve
// the default image.
type ImageParameterClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ImageDescriber is the subset of the EC2 API needed to inspect a
// caller supplied image.
type ImageDescriber interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// ResolveImage determines the machine image a fleet boots from. An
// empty id selects the latest Amazon Linux 2 image for the region; any
// other id is described so the platform it boots as is known before
// the bootstrap script is composed.
func ResolveImage(ctx context.Context, params ImageParameterClient, images ImageDescriber, id string) (Image, error) {
	if id == "" {
		out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
			Name: aws.String(defaultImageParameter),
		})
		if err != nil {
			return Image{}, errors.Annotate(err, "resolving default image")
		}
		return Image{
			ID:       aws.ToString(out.Parameter.Value),
			Platform: platform.Linux,
		}, nil
	}

	out, err := images.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{id},
	})
	if err != nil {
		return Image{}, errors.Annotatef(err, "describing image %q", id)
	}
	if len(out.Images) == 0 {
		return Image{}, errors.NotFoundf("image %q", id)
	}

	p := platform.Linux
	if out.Images[0].Platform == types.PlatformValuesWindows {
		p = platform.Windows
	}
	return Image{ID: id, Platform: p, Custom: true}, nil
}
