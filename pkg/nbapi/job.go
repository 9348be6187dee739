// Package nbapi waits on jobs submitted to the management system's
// northbound API and reduces them to a pass/fail flag.
package nbapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/labharness/pkg/util"
)

const (
	DefaultJobTimeout  = 2 * time.Minute
	DefaultJobInterval = 5 * time.Second
	// MaxPollErrors is the number of consecutive failed polls after which the
	// job is treated as failed.
	MaxPollErrors = 3
)

// JobState is the lifecycle state reported for a job.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is one poll result.
type JobStatus struct {
	ID      string
	State   JobState
	Message string
}

// JobClient fetches job status from the northbound API.
type JobClient interface {
	GetJob(ctx context.Context, id string) (JobStatus, error)
}

// JobClientFunc adapts a function to JobClient.
type JobClientFunc func(ctx context.Context, id string) (JobStatus, error)

func (f JobClientFunc) GetJob(ctx context.Context, id string) (JobStatus, error) { return f(ctx, id) }

var errJobFailed = errors.New("job failed")

// WaitForJob polls the job until it reaches a terminal state. It returns
// true only for COMPLETED; FAILED, timeout and repeated poll errors all
// return false. Zero timeout or interval take the defaults.
func WaitForJob(ctx context.Context, client JobClient, id string, timeout, interval time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if interval <= 0 {
		interval = DefaultJobInterval
	}
	log := util.WithOperation("job-wait").WithField("job", id)

	pollErrors := 0
	err := util.PollUntil(ctx, timeout, interval, func() (bool, error) {
		st, err := client.GetJob(ctx, id)
		if err != nil {
			pollErrors++
			log.Warnf("poll %d failed: %v", pollErrors, err)
			if pollErrors >= MaxPollErrors {
				return false, fmt.Errorf("%d consecutive poll errors: %w", pollErrors, err)
			}
			return false, nil
		}
		pollErrors = 0
		state := JobState(strings.ToUpper(string(st.State)))
		log.Debugf("state %s", state)
		switch state {
		case JobCompleted:
			return true, nil
		case JobFailed:
			return false, fmt.Errorf("%w: %s", errJobFailed, st.Message)
		}
		return false, nil
	})
	if err != nil {
		log.Warnf("not completed: %v", err)
		return false
	}
	log.Infof("completed")
	return true
}
