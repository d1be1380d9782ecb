// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMServer implements a parameter store simulator for use in
// testing.
type SSMServer struct {
	mu sync.Mutex

	parameters map[string]string
}

func NewSSMServer() *SSMServer {
	srv := &SSMServer{}
	srv.Reset()
	return srv
}

func (s *SSMServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters = make(map[string]string)
}

// SetParameter stores a parameter value.
func (s *SSMServer) SetParameter(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters[name] = value
}

func (s *SSMServer) GetParameter(
	ctx context.Context,
	input *ssm.GetParameterInput,
	opts ...func(*ssm.Options),
) (*ssm.GetParameterOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := aws.ToString(input.Name)
	value, ok := s.parameters[name]
	if !ok {
		return nil, apiError("ParameterNotFound", "parameter %s not found", name)
	}
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{
			Name:  aws.String(name),
			Value: aws.String(value),
		},
	}, nil
}
