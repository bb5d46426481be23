package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/util"
)

// On-disk frame layout (little-endian, fixed for compatibility):
//
//	length:u32 | kind:u8 | seq:u64 | payload | checksum:u32
//
// length is the payload byte count; the checksum covers everything before it.
const (
	headerSize   = 4 + 1 + 8
	checksumSize = 4
)

// ErrTruncatedRecord marks an incomplete frame at the log tail.
var ErrTruncatedRecord = fmt.Errorf("truncated log record")

// EncodeRecord serializes a record into its on-disk frame.
func EncodeRecord(kind model.RecordKind, seq uint64, payload *model.RecordPayload) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid record kind %d", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record payload: %w", err)
	}

	frame := make([]byte, headerSize+len(body)+checksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = byte(kind)
	binary.LittleEndian.PutUint64(frame[5:13], seq)
	copy(frame[headerSize:], body)

	sum := util.ComputeChecksum(frame[:headerSize+len(body)])
	binary.LittleEndian.PutUint32(frame[headerSize+len(body):], sum)

	return frame, nil
}

// DecodeRecord parses one frame from data. Returns the record and the number
// of bytes consumed. ErrTruncatedRecord is returned when data ends inside a
// frame; any other error is corruption.
func DecodeRecord(data []byte) (*model.LogRecord, int, error) {
	if len(data) < headerSize {
		return nil, 0, ErrTruncatedRecord
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[0:4]))
	total := headerSize + payloadLen + checksumSize
	if len(data) < total {
		return nil, 0, ErrTruncatedRecord
	}

	kind := model.RecordKind(data[4])
	if !kind.Valid() {
		return nil, 0, fmt.Errorf("invalid record kind %d", data[4])
	}

	seq := binary.LittleEndian.Uint64(data[5:13])
	stored := binary.LittleEndian.Uint32(data[headerSize+payloadLen:])
	if !util.ValidateChecksum(data[:headerSize+payloadLen], stored) {
		return nil, 0, fmt.Errorf("checksum mismatch in record %d", seq)
	}

	var payload model.RecordPayload
	if err := json.Unmarshal(data[headerSize:headerSize+payloadLen], &payload); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal payload of record %d: %w", seq, err)
	}

	return &model.LogRecord{
		Kind:     kind,
		Seq:      seq,
		Payload:  payload,
		Checksum: stored,
	}, total, nil
}

// ReadFrame reads one raw frame from r without interpreting the payload.
// Returns the frame bytes and its sequence number. io.EOF on a clean
// boundary, ErrTruncatedRecord when the stream ends mid-frame.
func ReadFrame(r io.Reader) ([]byte, uint64, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, ErrTruncatedRecord
	}

	payloadLen := int(binary.LittleEndian.Uint32(header[0:4]))
	seq := binary.LittleEndian.Uint64(header[5:13])

	frame := make([]byte, headerSize+payloadLen+checksumSize)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[headerSize:]); err != nil {
		return nil, 0, ErrTruncatedRecord
	}

	return frame, seq, nil
}
