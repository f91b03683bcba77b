package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemerge/mergebot/pkg/connector"
	"github.com/telemerge/mergebot/pkg/state"
	"github.com/telemerge/mergebot/pkg/store"
)

// fakeConnector streams a fixed item list and tracks the offset like a real
// source would.
type fakeConnector struct {
	items []connector.Item
	err   error
	state connector.State
}

func (f *fakeConnector) ListNew(ctx context.Context, prior *connector.State) <-chan connector.Item {
	out := make(chan connector.Item)
	go func() {
		defer close(out)
		for _, item := range f.items {
			select {
			case out <- item:
			case <-ctx.Done():
				f.err = ctx.Err()
				return
			}
		}
	}()
	return out
}

func (f *fakeConnector) Err() error              { return f.err }
func (f *fakeConnector) State() *connector.State { return &f.state }

func newTestEnv(t *testing.T) (*store.RawStore, *state.Repository) {
	t.Helper()
	dir := t.TempDir()
	raw, err := store.NewRawStore(filepath.Join(dir, "raw"))
	require.NoError(t, err)
	repo, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return raw, repo
}

func TestIngestStoresNewItems(t *testing.T) {
	raw, repo := newTestEnv(t)
	p := NewIngest(raw, repo)

	conn := &fakeConnector{
		items: []connector.Item{
			{ExternalID: "1", Data: []byte("vless://u@h:443#a"), Meta: connector.Metadata{Filename: "msg_1.txt", IsText: true}},
			{ExternalID: "2", Data: []byte("binary blob"), Meta: connector.Metadata{Filename: "pack.ovpn"}},
		},
		state: connector.State{Offset: 2},
	}

	stats, err := p.Run(context.Background(), "src1", "telegram", conn)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NewItems)
	assert.Equal(t, 1, stats.TextItems)
	assert.Equal(t, 1, stats.MediaItems)
	assert.Equal(t, 0, stats.Skipped)

	pending, err := repo.GetPendingFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)

	blob, err := raw.Get(pending[0].RawHash)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
}

func TestIngestSkipsSeenItems(t *testing.T) {
	raw, repo := newTestEnv(t)
	p := NewIngest(raw, repo)

	items := []connector.Item{
		{ExternalID: "1", Data: []byte("payload"), Meta: connector.Metadata{Filename: "a.txt"}},
	}

	_, err := p.Run(context.Background(), "src1", "telegram", &fakeConnector{items: items, state: connector.State{Offset: 1}})
	require.NoError(t, err)

	// The same external id on a second run is deduplicated.
	stats, err := p.Run(context.Background(), "src1", "telegram", &fakeConnector{items: items, state: connector.State{Offset: 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewItems)
	assert.Equal(t, 1, stats.Skipped)

	pending, err := repo.GetPendingFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIngestPersistsCursorAndStats(t *testing.T) {
	raw, repo := newTestEnv(t)
	p := NewIngest(raw, repo)

	conn := &fakeConnector{
		items: []connector.Item{{ExternalID: "7", Data: []byte("x"), Meta: connector.Metadata{Filename: "f.txt"}}},
		state: connector.State{Offset: 7},
	}
	_, err := p.Run(context.Background(), "src1", "telegram", conn)
	require.NoError(t, err)

	rawState, err := repo.GetSourceState(context.Background(), "src1")
	require.NoError(t, err)
	var st connector.State
	require.NoError(t, json.Unmarshal(rawState, &st))
	assert.Equal(t, int64(7), st.Offset)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 1, st.Stats.TotalFiles)
	assert.Equal(t, 1, st.Stats.LastRun.FilesIngested)

	// Cumulative total grows across runs.
	conn2 := &fakeConnector{
		items: []connector.Item{{ExternalID: "8", Data: []byte("y"), Meta: connector.Metadata{Filename: "g.txt"}}},
		state: connector.State{Offset: 8},
	}
	_, err = p.Run(context.Background(), "src1", "telegram", conn2)
	require.NoError(t, err)

	rawState, err = repo.GetSourceState(context.Background(), "src1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rawState, &st))
	assert.Equal(t, 2, st.Stats.TotalFiles)
}

func TestIngestIdenticalContentSharesBlob(t *testing.T) {
	raw, repo := newTestEnv(t)
	p := NewIngest(raw, repo)

	conn := &fakeConnector{
		items: []connector.Item{
			{ExternalID: "1", Data: []byte("same bytes"), Meta: connector.Metadata{Filename: "a.txt"}},
			{ExternalID: "2", Data: []byte("same bytes"), Meta: connector.Metadata{Filename: "b.txt"}},
		},
	}
	stats, err := p.Run(context.Background(), "src1", "telegram", conn)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NewItems)

	pending, err := repo.GetPendingFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, pending[0].RawHash, pending[1].RawHash)
}
