package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/raftpb"
	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

const (
	metadataFileName = "metadata.json"
	walFileName      = "log.wal"
	snapFileName     = "snapshot.bin"
	tmpSuffix        = ".tmp"
)

const entryHeaderSize = 8 // 4 bytes for length, 4 for CRC

//  ______________________________________________________________ ...
// | Entry length (4 byte)     | CRC Hash (4 byte) |   LogEntry    ...
// |___________________________|___________________|______________ ...

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	errClosed = errors.New("storage: WAL is closed")
)

// walMetadata represents the data stored in metadata.json
type walMetadata struct {
	CurrentTerm       int64 `json:"current_term"`
	VotedFor          int64 `json:"voted_for"`
	LastIncludedIndex int64 `json:"last_included_index"`
	LastIncludedTerm  int64 `json:"last_included_term"`
}

type opType int

const (
	opAppendEntries opType = iota
	opSetMetadata
	opSaveStateAndSnapshot
)

// persistRequest is a request sent to the persister worker.
type persistRequest struct {
	op      opType
	data    any
	errChan chan error
}

// WALStorage implements the api.Persister interface using a WAL file with a background worker for batching.
// It is safe for concurrent use.
type WALStorage struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	dir      string
	fsyncCfg api.FsyncCfg

	metadataPath string
	walPath      string
	snapshotPath string

	walFile      *os.File
	metadata     walMetadata
	log          []*raftpb.LogEntry
	opChan       chan *persistRequest
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

var _ api.Persister = (*WALStorage)(nil)

// NewWALStorage creates a new WALStorage and starts its background persister worker.
func NewWALStorage(dir string, log *slog.Logger, cfg api.FsyncCfg) (*WALStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	ws := &WALStorage{
		logger:       log,
		dir:          dir,
		fsyncCfg:     cfg,
		metadataPath: filepath.Join(dir, metadataFileName),
		walPath:      filepath.Join(dir, walFileName),
		snapshotPath: filepath.Join(dir, snapFileName),
		opChan:       make(chan *persistRequest, cfg.BatchSize*2),
		shutdownChan: make(chan struct{}),
	}

	if err := ws.load(); err != nil {
		return nil, fmt.Errorf("failed to load WAL data: %w", err)
	}

	walFile, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", ws.walPath, err)
	}
	ws.walFile = walFile

	ws.wg.Add(1)
	go ws.persister()

	return ws, nil
}

// Close gracefully shuts down the persister worker and closes the WAL file.
func (ws *WALStorage) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.shutdownChan)
		ws.wg.Wait()
		err = ws.walFile.Close()
	})
	return err
}

// submitRequest sends a request to the persister worker and waits for a response.
func (ws *WALStorage) submitRequest(op opType, data any) error {
	req := &persistRequest{
		op:      op,
		data:    data,
		errChan: make(chan error, 1),
	}
	select {
	case ws.opChan <- req:
	case <-ws.shutdownChan:
		return errClosed
	}
	select {
	case err := <-req.errChan:
		return err
	case <-ws.shutdownChan:
		ws.wg.Wait()
		select {
		case err := <-req.errChan:
			return err
		default:
			return errClosed
		}
	}
}

// stopTimer safely stops a timer and drains its channel if the stop fails.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// persister is the background worker that batches and writes to disk.
func (ws *WALStorage) persister() {
	defer ws.wg.Done()
	batch := make([]*persistRequest, 0, ws.fsyncCfg.BatchSize)
	timer := time.NewTimer(ws.fsyncCfg.Timeout)
	stopTimer(timer)

	handle := func(req *persistRequest) {
		if req.op == opAppendEntries {
			batch = append(batch, req)
			if len(batch) == 1 {
				timer.Reset(ws.fsyncCfg.Timeout)
			}
			if len(batch) >= ws.fsyncCfg.BatchSize {
				ws.flush(batch)
				batch = batch[:0]
				stopTimer(timer)
			}
			return
		}
		// For non-append ops, flush any pending batch first.
		if len(batch) > 0 {
			ws.flush(batch)
			batch = batch[:0]
			stopTimer(timer)
		}
		ws.handleSyncOp(req)
	}

	for {
		select {
		case req := <-ws.opChan:
			handle(req)
		case <-timer.C:
			if len(batch) > 0 {
				ws.flush(batch)
				batch = batch[:0]
			}
		case <-ws.shutdownChan:
			for {
				select {
				case req := <-ws.opChan:
					handle(req)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				ws.flush(batch)
			}
			return
		}
	}
}

// handleSyncOp handles non-batchable operations.
func (ws *WALStorage) handleSyncOp(req *persistRequest) {
	var err error
	switch req.op {
	case opSetMetadata:
		data := req.data.([2]int64)
		err = ws.setMetadata(data[0], data[1])
	case opSaveStateAndSnapshot:
		data := req.data.([2][]byte)
		err = ws.saveStateAndSnapshot(data[0], data[1])
	default:
		err = fmt.Errorf("unknown op type: %v", req.op)
	}
	req.errChan <- err
}

// flush writes a batch of append requests to disk and fsyncs.
func (ws *WALStorage) flush(batch []*persistRequest) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	var (
		totalErr error
		buf      bytes.Buffer
		appended []*raftpb.LogEntry
	)
	for _, req := range batch {
		for _, entry := range req.data.([]*raftpb.LogEntry) {
			buf.Write(encodeEntry(entry))
			appended = append(appended, entry)
		}
	}

	if _, err := ws.walFile.Write(buf.Bytes()); err != nil {
		totalErr = fmt.Errorf("failed to write to WAL file: %w", err)
	} else if err := ws.walFile.Sync(); err != nil {
		totalErr = fmt.Errorf("failed to sync WAL file: %w", err)
	} else {
		ws.log = append(ws.log, appended...)
	}

	for _, req := range batch {
		req.errChan <- totalErr
	}
}

// load reads metadata and the log from disk into memory. A torn write at
// the tail of the WAL is cut off so later appends start on a clean boundary.
func (ws *WALStorage) load() error {
	metaData, err := os.ReadFile(ws.metadataPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &ws.metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	f, err := os.Open(ws.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL file for validation: %w", err)
	}

	var validBytes int64
	reader := bufio.NewReader(f)
	for {
		entry, n, err := decodeEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			f.Close()
			return fmt.Errorf("failed to decode/validate WAL entry: %w", err)
		}
		ws.log = append(ws.log, entry)
		validBytes += int64(n)
	}

	info, err := f.Stat()
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	if info.Size() > validBytes {
		ws.logger.Warn(
			"truncating torn WAL tail",
			slog.Int64("valid_bytes", validBytes),
			slog.Int64("file_bytes", info.Size()),
		)
		if err := os.Truncate(ws.walPath, validBytes); err != nil {
			return fmt.Errorf("failed to truncate WAL file: %w", err)
		}
	}
	return nil
}

func (ws *WALStorage) AppendEntries(entries []*raftpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return ws.submitRequest(opAppendEntries, entries)
}

func (ws *WALStorage) SetMetadata(term int64, votedFor int64) error {
	return ws.submitRequest(opSetMetadata, [2]int64{term, votedFor})
}

func (ws *WALStorage) setMetadata(term, votedFor int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	newMeta := ws.metadata
	newMeta.CurrentTerm = term
	newMeta.VotedFor = votedFor
	metaBytes, err := json.Marshal(newMeta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := syncFile(ws.metadataPath, metaBytes, 0644); err != nil {
		return fmt.Errorf("failed to sync metadata file: %w", err)
	}
	ws.metadata = newMeta
	return nil
}

func (ws *WALStorage) ReadRaftState() ([]byte, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if ws.metadata == (walMetadata{}) && len(ws.log) == 0 {
		return nil, nil
	}

	state := &raftpb.RaftPersistentState{
		CurrentTerm:       ws.metadata.CurrentTerm,
		VotedFor:          ws.metadata.VotedFor,
		Log:               ws.log,
		LastIncludedIndex: ws.metadata.LastIncludedIndex,
		LastIncludedTerm:  ws.metadata.LastIncludedTerm,
	}

	return wire.Marshal(state), nil
}

func (ws *WALStorage) RaftStateSize() (int, error) {
	stateBytes, err := ws.ReadRaftState()
	if err != nil {
		return 0, err
	}
	return len(stateBytes), nil
}

func (ws *WALStorage) ReadSnapshot() ([]byte, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	snapData, err := os.ReadFile(ws.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return snapData, nil
}

func (ws *WALStorage) SaveStateAndSnapshot(state, snapshot []byte) error {
	return ws.submitRequest(opSaveStateAndSnapshot, [2][]byte{state, snapshot})
}

func (ws *WALStorage) saveStateAndSnapshot(state, snapshot []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if state == nil {
		return errors.New("cannot save snapshot with nil raft state")
	}

	ps := &raftpb.RaftPersistentState{}
	if err := wire.Unmarshal(state, ps); err != nil {
		return fmt.Errorf("failed to unmarshal state for snapshot: %w", err)
	}

	walBuf := new(bytes.Buffer)
	for _, entry := range ps.Log {
		walBuf.Write(encodeEntry(entry))
	}

	newMeta := walMetadata{
		CurrentTerm:       ps.CurrentTerm,
		VotedFor:          ps.VotedFor,
		LastIncludedIndex: ps.LastIncludedIndex,
		LastIncludedTerm:  ps.LastIncludedTerm,
	}
	metaBytes, err := json.Marshal(newMeta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for snapshot: %w", err)
	}

	if ws.walFile != nil {
		if err := ws.walFile.Close(); err != nil {
			ws.logger.Warn("failed to close WAL file before snapshot", logger.ErrAttr(err))
		}
	}

	if snapshot != nil {
		if err := syncFile(ws.snapshotPath, snapshot, 0644); err != nil {
			return fmt.Errorf("failed to sync snapshot file: %w", err)
		}
	}

	if err := syncFile(ws.walPath, walBuf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to sync WAL file for snapshot: %w", err)
	}
	if err := syncFile(ws.metadataPath, metaBytes, 0644); err != nil {
		return fmt.Errorf("failed to sync metadata file for snapshot: %w", err)
	}

	newWalFile, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file after snapshot: %w", err)
	}
	ws.walFile = newWalFile
	ws.metadata = newMeta
	ws.log = ps.Log

	return nil
}

func encodeEntry(entry *raftpb.LogEntry) []byte {
	payload := wire.Marshal(entry)
	out := make([]byte, entryHeaderSize, entryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[4:8], crc32.Checksum(payload, crc32cTable))
	return append(out, payload...)
}

// decodeEntry reads one entry and reports how many bytes it occupied.
func decodeEntry(r io.Reader) (*raftpb.LogEntry, int, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	if actualCRC := crc32.Checksum(payload, crc32cTable); actualCRC != crc {
		return nil, 0, fmt.Errorf("crc mismatch: expected %d, got %d", crc, actualCRC)
	}

	entry := &raftpb.LogEntry{}
	if err := wire.Unmarshal(payload, entry); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal log entry: %w", err)
	}
	return entry, entryHeaderSize + int(length), nil
}

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	f.Close()
	return os.Rename(tempPath, path)
}
