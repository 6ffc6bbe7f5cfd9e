package preflight

import (
	"context"
	"fmt"
	"syscall"
)

// MinFileDescriptors is the minimum file descriptor limit. Every bleve
// segment, store connection and HTTP client holds one.
const MinFileDescriptors = 1024

// FileDescriptors checks the process file descriptor limit. A low limit
// only warns.
func FileDescriptors() Check {
	return func(_ context.Context) CheckResult {
		result := CheckResult{Name: "file_descriptors"}

		var rLimit syscall.Rlimit
		if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
			result.Status = StatusWarn
			result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
			return result
		}

		result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, MinFileDescriptors)
		if rLimit.Cur < MinFileDescriptors {
			result.Status = StatusWarn
			result.Details = "Run 'ulimit -n 10240' to increase the limit"
			return result
		}
		result.Status = StatusPass
		return result
	}
}
