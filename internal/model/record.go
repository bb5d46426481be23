package model

// RecordKind defines the type of a durability log record
type RecordKind uint8

const (
	RecordKindInsert RecordKind = 1
	RecordKindUpdate RecordKind = 2
	RecordKindDelete RecordKind = 3
)

// Valid reports whether the kind is one of the closed set of record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case RecordKindInsert, RecordKindUpdate, RecordKindDelete:
		return true
	}
	return false
}

func (k RecordKind) String() string {
	switch k {
	case RecordKindInsert:
		return "insert"
	case RecordKindUpdate:
		return "update"
	case RecordKindDelete:
		return "delete"
	}
	return "unknown"
}

// RecordPayload is the body of a durability log record. It always carries the
// complete post-operation document state, never a delta.
type RecordPayload struct {
	Collection    string `json:"collection"`
	Key           string `json:"key"`
	SchemaVersion int    `json:"schema_version"`
	Body          []byte `json:"body,omitempty"` // empty for deletes
	// GroupEnd marks the final record of a write group. Recovery derives
	// commit identities by counting group ends in replay order.
	GroupEnd bool `json:"group_end"`
}

// LogRecord is one entry of the durability log.
// On disk: length:u32 | kind:u8 | seq:u64 | payload | checksum:u32,
// little-endian, checksum covering everything before it.
type LogRecord struct {
	Kind     RecordKind
	Seq      uint64
	Payload  RecordPayload
	Checksum uint32
}

// IsTombstone reports whether the record logically deletes its key.
func (r *LogRecord) IsTombstone() bool {
	return r.Kind == RecordKindDelete
}
