// Package runner classifies how child processes ended
package runner

import (
	"context"
)

// Runner runs a process to completion
type Runner interface {
	Run(context.Context) Result
}
