package history

import "time"

// Outcome classifies how a recorded transfer operation ended
type Outcome string

const (
	// OutcomeMoved means the file reached the destination
	OutcomeMoved Outcome = "Moved"

	// OutcomeFailed means the transfer gave up after exhausting retries or
	// hitting a terminal condition
	OutcomeFailed Outcome = "Failed"

	// OutcomeSkipped means the file was left alone, typically because
	// another holder owned its lock
	OutcomeSkipped Outcome = "Skipped"
)

// OperationRecord is one transfer outcome kept in the on-disk history
type OperationRecord struct {
	// Time is when the operation finished
	Time time.Time `json:"time"`

	// File is the source filename, not the full path
	File string `json:"file"`

	// Bytes is the size moved; zero for failed or skipped operations
	Bytes int64 `json:"bytes,omitempty"`

	// DurationSeconds is how long the operation took end to end
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Outcome is how the operation ended
	Outcome Outcome `json:"outcome"`

	// Reason carries the failure classification for failed operations
	Reason string `json:"reason,omitempty"`
}

// SystemSample is a point-in-time reading of host resource usage
type SystemSample struct {
	Time          time.Time `json:"time"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskFreeBytes uint64    `json:"disk_free_bytes"`
}

// PerformanceSummary aggregates the retained operations
type PerformanceSummary struct {
	// Operations is the total number of retained records
	Operations int `json:"operations"`

	Moved   int `json:"moved"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	// BytesMoved is the sum over successful operations
	BytesMoved int64 `json:"bytes_moved"`

	// AverageSeconds is the mean duration of successful operations
	AverageSeconds float64 `json:"average_seconds"`

	// ThroughputBytesPerSecond is BytesMoved over the total time spent moving
	ThroughputBytesPerSecond float64 `json:"throughput_bytes_per_second"`

	// Oldest is the timestamp of the oldest retained record
	Oldest *time.Time `json:"oldest,omitempty"`
}
