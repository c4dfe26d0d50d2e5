package api

// FSM represents the application state managed by Raft.
// Committed entries and installed snapshots reach it as ApplyMessage values;
// the engine only calls it directly to compact the log.
type FSM interface {
	// Snapshot serializes the current application state and returns the
	// index of the last log entry reflected in it.
	Snapshot() (data []byte, lastApplied int64, err error)
}

type ApplyMessage struct {
	CommandValid bool
	Command      []byte
	CommandIndex int64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex int64
	SnapshotTerm  int64
}
