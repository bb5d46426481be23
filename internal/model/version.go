package model

// Document is the externally visible form of a stored document.
type Document struct {
	Collection    string `json:"collection"`
	Key           string `json:"key"`
	SchemaVersion int    `json:"schema_version"`
	Body          []byte `json:"body"`
	CommitID      uint64 `json:"commit_id"`
}

// Version is one immutable entry of a per-key version chain, tagged with the
// commit identity that created it.
type Version struct {
	CommitID      uint64
	Seq           uint64
	SchemaVersion int
	Tombstone     bool
	StoreOffset   int64 // offset of the document entry in the store file
	BodyLen       int
}

// WriteOp is one staged operation of a write group.
type WriteOp struct {
	Kind          RecordKind
	Collection    string
	Key           string
	SchemaVersion int
	Body          []byte
}

// VersionKey identifies a logical key across collections.
type VersionKey struct {
	Collection string
	Key        string
}

func (k VersionKey) String() string {
	return k.Collection + "/" + k.Key
}
