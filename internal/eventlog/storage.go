package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/run-vibes/vibes-core/internal/events"
)

// segmentStore persists one partition's events to an append-only
// file using a fixed binary record layout:
//
//	offset(8,BE) | timestamp_unix_nano(8,BE) | key_len(4,BE) | key | payload_len(4,BE) | payload(JSON)
//
// grounded on EricLarwa-2t3-DEPS/deps/internal/broker/storage.go's
// serializeEvent/deserializeEvents, extended with a key field so a
// recovered partition can reconstruct routing without re-hashing.
type segmentStore struct {
	file *os.File
}

func openSegmentStore(dataDir string, partitionIdx int) (*segmentStore, error) {
	dir := filepath.Join(dataDir, "partitions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.log", partitionIdx))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &segmentStore{file: f}, nil
}

func (s *segmentStore) append(offset uint64, e events.Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := e.SessionID()

	buf := make([]byte, 8+8+4+len(key)+4)
	binary.BigEndian.PutUint64(buf[0:8], offset)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp.UnixNano()))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(key)))
	copy(buf[20:20+len(key)], key)
	binary.BigEndian.PutUint32(buf[20+len(key):24+len(key)], uint32(len(payload)))

	if _, err := s.file.Write(buf); err != nil {
		return err
	}
	if _, err := s.file.Write(payload); err != nil {
		return err
	}
	return s.file.Sync()
}

// loadAll replays every record in the segment file in append order.
func (s *segmentStore) loadAll() ([]events.Envelope, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var out []events.Envelope
	header := make([]byte, 20)
	for {
		if _, err := io.ReadFull(s.file, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read record header: %w", err)
		}
		keyLen := binary.BigEndian.Uint32(header[16:20])
		key := make([]byte, keyLen)
		if keyLen > 0 {
			if _, err := io.ReadFull(s.file, key); err != nil {
				return nil, fmt.Errorf("read record key: %w", err)
			}
		}
		var payloadLenBuf [4]byte
		if _, err := io.ReadFull(s.file, payloadLenBuf[:]); err != nil {
			return nil, fmt.Errorf("read payload length: %w", err)
		}
		payloadLen := binary.BigEndian.Uint32(payloadLenBuf[:])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(s.file, payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}

		var e events.Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, e)
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *segmentStore) close() error {
	return s.file.Close()
}
