// Package limits holds the central numeric caps referenced throughout the
// core (§4.9). Every boundary check elsewhere in the module goes through a
// *Limits value instead of hard-coding a constant, so a config reload can
// change them in one place.
package limits

import "fmt"

// Limits is the closed set of numeric caps the core enforces.
type Limits struct {
	MaxFrameBytes       int64 `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	MaxScriptSize       int   `yaml:"max_script_size" json:"max_script_size"`
	MaxStreamsPerClient int   `yaml:"max_streams_per_client" json:"max_streams_per_client"`
	MaxPlanParams       int   `yaml:"max_plan_params" json:"max_plan_params"`
	MaxRunLifetime      int64 `yaml:"max_run_lifetime_ms" json:"max_run_lifetime_ms"`
	MaxCommandQueue     int   `yaml:"max_command_queue" json:"max_command_queue"`
	MaxObserverCount    int   `yaml:"max_observer_count" json:"max_observer_count"`
}

// Default returns the baseline limits used when a daemon config omits them.
func Default() Limits {
	return Limits{
		MaxFrameBytes:       32 << 20, // 32 MiB: headroom above the ~8 MB nominal frame
		MaxScriptSize:       1 << 20,  // 1 MiB of serialized plan description
		MaxStreamsPerClient: 8,
		MaxPlanParams:       256,
		MaxRunLifetime:      int64(24 * 3600 * 1000), // 24h in ms
		MaxCommandQueue:     100_000,
		MaxObserverCount:    64,
	}
}

// Validate reports whether every cap is a usable positive value.
func (l Limits) Validate() error {
	if l.MaxFrameBytes <= 0 {
		return fmt.Errorf("limits: max_frame_bytes must be positive")
	}
	if l.MaxScriptSize <= 0 {
		return fmt.Errorf("limits: max_script_size must be positive")
	}
	if l.MaxStreamsPerClient <= 0 {
		return fmt.Errorf("limits: max_streams_per_client must be positive")
	}
	if l.MaxPlanParams <= 0 {
		return fmt.Errorf("limits: max_plan_params must be positive")
	}
	if l.MaxRunLifetime <= 0 {
		return fmt.Errorf("limits: max_run_lifetime_ms must be positive")
	}
	if l.MaxCommandQueue <= 0 {
		return fmt.Errorf("limits: max_command_queue must be positive")
	}
	if l.MaxObserverCount <= 0 {
		return fmt.Errorf("limits: max_observer_count must be positive")
	}
	return nil
}

// CheckCommandQueue enforces the max_command_queue boundary (§8 "Submitting a
// plan whose total commands exceed max_command_queue is rejected").
func (l Limits) CheckCommandQueue(n int) error {
	if n > l.MaxCommandQueue {
		return fmt.Errorf("limits: command queue length %d exceeds max_command_queue %d", n, l.MaxCommandQueue)
	}
	return nil
}

// CheckObserverCount enforces the max_observer_count boundary.
func (l Limits) CheckObserverCount(n int) error {
	if n > l.MaxObserverCount {
		return fmt.Errorf("limits: observer count %d exceeds max_observer_count %d", n, l.MaxObserverCount)
	}
	return nil
}

// CheckFrameBytes enforces the max_frame_bytes boundary.
func (l Limits) CheckFrameBytes(n int64) error {
	if n > l.MaxFrameBytes {
		return fmt.Errorf("limits: frame size %d exceeds max_frame_bytes %d", n, l.MaxFrameBytes)
	}
	return nil
}

// CheckPlanParams enforces the max_plan_params boundary.
func (l Limits) CheckPlanParams(n int) error {
	if n > l.MaxPlanParams {
		return fmt.Errorf("limits: plan parameter count %d exceeds max_plan_params %d", n, l.MaxPlanParams)
	}
	return nil
}

// CheckScriptSize enforces the max_script_size boundary on a serialized plan.
func (l Limits) CheckScriptSize(n int) error {
	if n > l.MaxScriptSize {
		return fmt.Errorf("limits: script size %d exceeds max_script_size %d", n, l.MaxScriptSize)
	}
	return nil
}
