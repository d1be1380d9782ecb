// Copyright 2025 alsantos123.
// Licensed under the LGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"

	"github.com/aws/smithy-go"
)

func apiError(code, message string, args ...interface{}) error {
	return &smithy.GenericAPIError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
	}
}
