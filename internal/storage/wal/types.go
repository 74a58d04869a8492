package wal

import (
	"time"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the test history journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventTestDone  EventType = "TEST_DONE"  // A test finished with a final status
	EventRunAbort  EventType = "RUN_ABORT"  // Run stopped early (fail-fast or interrupt)
	EventRunFinish EventType = "RUN_FINISH" // Run completed and history was flushed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64        `json:"seq"`                  // Event sequence number (monotonically increasing)
	Type      EventType     `json:"type"`                 // Event type
	TestName  string        `json:"test_name,omitempty"`  // Fully qualified test name
	Status    types.Status  `json:"status,omitempty"`     // Final test status
	StartTime int64         `json:"start_time,omitempty"` // Unix nanosecond start time
	TotalTime time.Duration `json:"total_time,omitempty"` // Test duration
	Timestamp int64         `json:"timestamp"`            // Unix millisecond timestamp
	Checksum  uint32        `json:"checksum"`             // CRC32 checksum
}

// Record converts a TEST_DONE event back into a history record
func (e Event) Record() types.HistoryRecord {
	return types.HistoryRecord{
		Status:    e.Status,
		StartTime: time.Unix(0, e.StartTime),
		TotalTime: e.TotalTime,
	}
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to the history state
type EventHandler func(event Event) error
