package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
	"github.com/quillstore/quill/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openLog(t *testing.T, dir string) *wal.Log {
	t.Helper()
	l, err := wal.Open(dir, true, zap.NewNop())
	require.NoError(t, err)
	return l
}

func payload(key string, body string, groupEnd bool) *model.RecordPayload {
	return &model.RecordPayload{
		Collection:    "docs",
		Key:           key,
		SchemaVersion: 1,
		Body:          []byte(body),
		GroupEnd:      groupEnd,
	}
}

func TestLog_AppendAssignsGaplessSequences(t *testing.T) {
	l := openLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 5; i++ {
		seq, err := l.Append(model.RecordKindInsert, payload("k", "v", true))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(5), l.LastSeq())
}

func TestLog_ReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)

	_, err := l.Append(model.RecordKindInsert, payload("1", `{"name":"alice"}`, true))
	require.NoError(t, err)
	_, err = l.Append(model.RecordKindUpdate, payload("1", `{"name":"bob"}`, true))
	require.NoError(t, err)
	_, err = l.Append(model.RecordKindDelete, &model.RecordPayload{
		Collection: "docs", Key: "1", SchemaVersion: 1, GroupEnd: true,
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened := openLog(t, dir)
	defer reopened.Close()

	var records []*model.LogRecord
	require.NoError(t, reopened.Replay(func(rec *model.LogRecord) error {
		records = append(records, rec)
		return nil
	}))

	require.Len(t, records, 3)
	assert.Equal(t, model.RecordKindInsert, records[0].Kind)
	assert.Equal(t, []byte(`{"name":"alice"}`), records[0].Payload.Body)
	assert.Equal(t, model.RecordKindUpdate, records[1].Kind)
	assert.Equal(t, model.RecordKindDelete, records[2].Kind)
	assert.True(t, records[2].IsTombstone())
	assert.Equal(t, uint64(3), records[2].Seq)
}

func TestLog_TruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	_, err := l.Append(model.RecordKindInsert, payload("1", "full", true))
	require.NoError(t, err)
	durableSize := l.Size()
	_, err = l.Append(model.RecordKindInsert, payload("2", "torn", true))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a crash mid-append of the second record.
	path := filepath.Join(dir, "wal.log")
	require.NoError(t, os.Truncate(path, durableSize+7))

	reopened := openLog(t, dir)
	defer reopened.Close()

	assert.Equal(t, uint64(1), reopened.LastSeq())
	assert.Equal(t, durableSize, reopened.Size())

	var keys []string
	require.NoError(t, reopened.Replay(func(rec *model.LogRecord) error {
		keys = append(keys, rec.Payload.Key)
		return nil
	}))
	assert.Equal(t, []string{"1"}, keys)
}

func TestLog_CorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir)
	_, err := l.Append(model.RecordKindInsert, payload("1", "value-one", true))
	require.NoError(t, err)
	_, err = l.Append(model.RecordKindInsert, payload("2", "value-two", true))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Flip a byte inside the first record's payload.
	path := filepath.Join(dir, "wal.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[20] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = wal.Open(dir, true, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWalCorruption, errors.GetCode(err))
	assert.True(t, errors.IsFatal(err))
}

func TestLog_ReadFromServesContiguousFrames(t *testing.T) {
	l := openLog(t, t.TempDir())
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append(model.RecordKindInsert, payload("k", "v", true))
		require.NoError(t, err)
	}

	data, first, last, err := l.ReadFrom(3, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), first)
	assert.Equal(t, uint64(10), last)
	require.NotEmpty(t, data)

	// The served bytes must decode to exactly records 4..10.
	seq := first
	for len(data) > 0 {
		rec, n, err := wal.DecodeRecord(data)
		require.NoError(t, err)
		assert.Equal(t, seq, rec.Seq)
		seq++
		data = data[n:]
	}
	assert.Equal(t, last+1, seq)

	// Nothing past the durable tail is ever served.
	none, _, _, err := l.ReadFrom(10, 1<<20)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLog_ReadFromHonorsByteBudget(t *testing.T) {
	l := openLog(t, t.TempDir())
	defer l.Close()

	for i := 0; i < 8; i++ {
		_, err := l.Append(model.RecordKindInsert, payload("k", "0123456789abcdef", true))
		require.NoError(t, err)
	}

	data, first, last, err := l.ReadFrom(0, 1)
	require.NoError(t, err)
	// The budget always admits at least one record.
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(1), last)

	rec, n, err := wal.DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Len(t, data, n)
}

func TestLog_AppendRawRejectsGap(t *testing.T) {
	src := openLog(t, t.TempDir())
	defer src.Close()
	for i := 0; i < 3; i++ {
		_, err := src.Append(model.RecordKindInsert, payload("k", "v", true))
		require.NoError(t, err)
	}

	frames, first, last, err := src.ReadFrom(1, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(2), first)
	require.Equal(t, uint64(3), last)

	dst := openLog(t, t.TempDir())
	defer dst.Close()

	// Destination is empty; a segment starting at seq 2 leaves a gap.
	err = dst.AppendRaw(frames, first, last)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeReplicaGap, errors.GetCode(err))
	assert.Equal(t, uint64(0), dst.LastSeq())
}

func TestLog_AppendRawExtendsPrefix(t *testing.T) {
	src := openLog(t, t.TempDir())
	defer src.Close()
	for i := 0; i < 4; i++ {
		_, err := src.Append(model.RecordKindInsert, payload("k", "v", true))
		require.NoError(t, err)
	}

	frames, first, last, err := src.ReadFrom(0, 1<<20)
	require.NoError(t, err)

	dstDir := t.TempDir()
	dst := openLog(t, dstDir)
	require.NoError(t, dst.AppendRaw(frames, first, last))
	assert.Equal(t, uint64(4), dst.LastSeq())
	require.NoError(t, dst.Close())

	// The persisted segment survives restart and replays identically.
	reopened := openLog(t, dstDir)
	defer reopened.Close()
	count := 0
	require.NoError(t, reopened.Replay(func(rec *model.LogRecord) error {
		count++
		return nil
	}))
	assert.Equal(t, 4, count)
}
