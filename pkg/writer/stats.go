package writer

import "errors"

// AsyncWriterStats is a point-in-time view of a writer.
type AsyncWriterStats struct {
	QueueDepth    int
	DroppedWrites int64
	TotalWrites   int64
	FailedWrites  int64
}

var (
	ErrQueueFull    = errors.New("writer: queue full, write dropped")
	ErrWriterClosed = errors.New("writer: closed")
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
