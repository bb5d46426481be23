package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
)

// Wire headers for the segment and snapshot endpoints. Frame bytes travel
// as an opaque binary body; positions travel in headers so a standby can
// persist the body before decoding a single frame.
const (
	HeaderFirstSeq     = "X-Quill-First-Seq"
	HeaderLastSeq      = "X-Quill-Last-Seq"
	HeaderAuthoritySeq = "X-Quill-Authority-Seq"
)

// SegmentBatch is one pull's worth of raw log frames from the authority.
type SegmentBatch struct {
	Frames       []byte
	FirstSeq     uint64
	LastSeq      uint64
	AuthoritySeq uint64 // authority log tail at response time
}

// AuthorityClient pulls log segments, snapshots and status from the write
// authority over its replication endpoints.
type AuthorityClient struct {
	baseURL string
	client  *http.Client
}

// NewAuthorityClient builds a client for the given authority base URL.
func NewAuthorityClient(baseURL string) *AuthorityClient {
	return &AuthorityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchSegments asks the authority for raw frames with sequence > afterSeq.
// A nil batch with nil error means the standby is caught up. A gone segment
// range surfaces as ErrCodeSegmentsGone and requires a snapshot bootstrap.
func (c *AuthorityClient) FetchSegments(ctx context.Context, afterSeq uint64, maxBytes int) (*SegmentBatch, error) {
	u := fmt.Sprintf("%s/replication/segments?after=%d&max_bytes=%d", c.baseURL, afterSeq, maxBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create segments request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segments do: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone:
		return nil, errors.SegmentsUnavailable(afterSeq+1, headerUint(resp, HeaderFirstSeq))
	case http.StatusOK:
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("segments failed: %d: %s", resp.StatusCode, string(b))
	}

	frames, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read segments body: %w", err)
	}

	batch := &SegmentBatch{
		Frames:       frames,
		FirstSeq:     headerUint(resp, HeaderFirstSeq),
		LastSeq:      headerUint(resp, HeaderLastSeq),
		AuthoritySeq: headerUint(resp, HeaderAuthoritySeq),
	}
	if batch.FirstSeq == 0 || batch.LastSeq < batch.FirstSeq {
		return nil, fmt.Errorf("segments response missing sequence headers")
	}
	return batch, nil
}

// FetchSnapshotManifest retrieves the authority's current snapshot point.
func (c *AuthorityClient) FetchSnapshotManifest(ctx context.Context) (*model.SnapshotManifest, error) {
	u := c.baseURL + "/replication/snapshot/manifest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("manifest failed: %d: %s", resp.StatusCode, string(b))
	}

	var manifest model.SnapshotManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// FetchSnapshotStore streams the store bytes described by manifest into w.
func (c *AuthorityClient) FetchSnapshotStore(ctx context.Context, manifest *model.SnapshotManifest, w io.Writer) error {
	u := fmt.Sprintf("%s/replication/snapshot/store?size=%d", c.baseURL, manifest.StoreSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create snapshot request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("snapshot failed: %d: %s", resp.StatusCode, string(b))
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("stream snapshot: %w", err)
	}
	if n != manifest.StoreSize {
		return fmt.Errorf("snapshot size mismatch: manifest %d, received %d", manifest.StoreSize, n)
	}
	return nil
}

// FetchStatus retrieves the authority's replication status.
func (c *AuthorityClient) FetchStatus(ctx context.Context) (*model.ReplicationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status failed: %d: %s", resp.StatusCode, string(b))
	}

	var status model.ReplicationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func headerUint(resp *http.Response, name string) uint64 {
	v, _ := strconv.ParseUint(resp.Header.Get(name), 10, 64)
	return v
}
