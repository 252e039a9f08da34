package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/configstore"
	"github.com/esmero/strawberry-runners-sub000/dispatcher"
	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/filecache"
	"github.com/esmero/strawberry-runners-sub000/matcher"
	"github.com/esmero/strawberry-runners-sub000/queue"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
	"github.com/esmero/strawberry-runners-sub000/searchindex"
	"github.com/esmero/strawberry-runners-sub000/storage"
	"github.com/esmero/strawberry-runners-sub000/tracking"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// env wires a full in-memory pipeline around one worker
type env struct {
	t      *testing.T
	queue  *queue.MemQueue
	cfgs   *configstore.MemStore
	reg    *registry.Registry
	track  *tracking.MemStore
	index  *searchindex.MemIndex
	assets *asset.MemStore
	disp   *dispatcher.Dispatcher
	worker *Worker

	filesDir string

	txtRuns  atomic.Int32
	boomRuns atomic.Int32
	kidRuns  atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	e := &env{
		t:        t,
		queue:    queue.NewMemQueue(),
		cfgs:     configstore.NewMemStore(),
		reg:      registry.NewRegistry(),
		track:    tracking.NewMemStore(),
		index:    searchindex.NewMemIndex("solr-main", DefaultDatasource),
		assets:   asset.NewMemStore(),
		filesDir: t.TempDir(),
	}

	require.NoError(t, os.WriteFile(filepath.Join(e.filesDir, "doc1"), []byte("source bytes"), 0o600))

	e.registerPlugins()

	files, err := storage.NewFSSource(e.filesDir)
	require.NoError(t, err)
	cache, err := filecache.New(t.TempDir(), 8, logger)
	require.NoError(t, err)

	resolver := matcher.NewResolver(logger)
	e.disp = dispatcher.New(e.queue, e.cfgs, e.reg, resolver, nil, logger)

	e.worker, err = New(Config{
		Queue:      e.queue,
		Configs:    e.cfgs,
		Registry:   e.reg,
		Files:      files,
		Cache:      cache,
		Tracking:   e.track,
		Indexes:    []searchindex.Index{e.index},
		Assets:     e.assets,
		Dispatcher: e.disp,
		Logger:     logger,
	})
	require.NoError(t, err)
	return e
}

func (e *env) registerPlugins() {
	register := func(def registry.Definition, fn runner.Func) {
		require.NoError(e.t, e.reg.Register(&registry.Registration{
			Definition: def,
			Factory: func(json.RawMessage, registry.Dependencies) (runner.Runner, error) {
				return fn, nil
			},
		}))
	}

	register(registry.Definition{
		ID: "txt", InputType: registry.InputFile,
		InputProperty: "file_path", InputArgument: "sequence_number", OutputType: "json",
	}, func(_ context.Context, in *runner.Input) (*runner.Output, error) {
		e.txtRuns.Add(1)
		return &runner.Output{
			Indexable: &runner.Indexable{Plaintext: "extracted text"},
			Chained: map[string]any{
				"json":            map[string]any{"plaintext": "extracted text"},
				"sequence_number": []any{1, 2},
			},
		}, nil
	})

	register(registry.Definition{
		ID: "boom", InputType: registry.InputFile,
		InputProperty: "file_path", OutputType: "json",
	}, func(context.Context, *runner.Input) (*runner.Output, error) {
		e.boomRuns.Add(1)
		return nil, errors.WrapTransient(fmt.Errorf("backend unavailable"), "Boom", "Run", "fake backend call")
	})

	register(registry.Definition{
		ID: "kid", InputType: registry.InputJSON,
		InputProperty: "json", InputArgument: "sequence_number", OutputType: "vector",
	}, func(context.Context, *runner.Input) (*runner.Output, error) {
		e.kidRuns.Add(1)
		return &runner.Output{Indexable: &runner.Indexable{Plaintext: "kid output"}}, nil
	})

	register(registry.Definition{
		ID: "deriver", InputType: registry.InputFile,
		InputProperty: "file_path", OutputType: "entity-file",
	}, func(context.Context, *runner.Input) (*runner.Output, error) {
		path := filepath.Join(e.filesDir, "derived.png")
		require.NoError(e.t, os.WriteFile(path, []byte("png bytes"), 0o600))
		return &runner.Output{
			Derived: &runner.Derived{Path: path, MimeType: "image/png"},
		}, nil
	})
}

func (e *env) saveConfig(id, pluginID string, dest types.DestinationSet, mutate func(*types.ProcessorConfig)) {
	e.t.Helper()
	cfg := &types.ProcessorConfig{
		ID:       id,
		PluginID: pluginID,
		Active:   true,
		Settings: types.Settings{
			SourceType:        types.SourceStructure,
			JSONKeyFilter:     []string{"as:document"},
			OutputDestination: dest,
			QueueClass:        types.QueueBackground,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(e.t, e.cfgs.Save(context.Background(), cfg))
}

func (e *env) saveAsset(checksum string) {
	e.t.Helper()
	require.NoError(e.t, e.assets.Save(context.Background(), &asset.Asset{
		ID:   "a1",
		UUID: "asset-uuid-1",
		Type: "Book",
		Record: map[string]any{
			"as:document": map[string]any{
				"urn:uuid:u-1": map[string]any{
					"dr:fid":      "doc1",
					"dr:uuid":     "u-1",
					"dr:mimetype": "text/plain",
					"checksum":    checksum,
					"sequence":    1,
				},
			},
		},
	}))
}

// dispatch resolves and enqueues work for asset a1
func (e *env) dispatch(force bool) int {
	e.t.Helper()
	ctx := context.Background()
	a, err := e.assets.Get(ctx, "a1")
	require.NoError(e.t, err)

	n, err := e.disp.RunNow(ctx, a, nil, force)
	require.NoError(e.t, err)
	return n
}

// drainTopic processes until the topic is empty
func (e *env) drainTopic(topic string) int {
	e.t.Helper()
	handled := 0
	for {
		ok, err := e.worker.ProcessNext(context.Background(), topic)
		require.NoError(e.t, err)
		if !ok {
			return handled
		}
		handled++
	}
}

func (e *env) failedItem() *queue.Item {
	e.t.Helper()
	item, err := e.queue.Claim(context.Background(), queue.TopicFailed)
	require.NoError(e.t, err)
	require.NotNil(e.t, item)
	return item
}

func TestEndToEndIdempotence(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	// first cycle runs the processor and commits the result
	require.Equal(t, 1, e.dispatch(false))
	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))
	assert.EqualValues(t, 1, e.txtRuns.Load())
	assert.Len(t, e.index.Inserted(DefaultDatasource), 1)
	assert.Equal(t, 1, e.track.Len())

	// second cycle on the unchanged asset skips without invoking
	require.Equal(t, 1, e.dispatch(false))
	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))
	assert.EqualValues(t, 1, e.txtRuns.Load())
	assert.Len(t, e.index.Inserted(DefaultDatasource), 1)
}

func TestChecksumInvalidation(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)
	require.EqualValues(t, 1, e.txtRuns.Load())

	// same file id, new content checksum: must reprocess
	e.saveAsset("c2")
	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)
	assert.EqualValues(t, 2, e.txtRuns.Load())

	rec, err := e.track.Lookup(context.Background(), tracking.Key{
		AssetID: "a1", Sequence: 1, Locale: "und", FileUUID: "u-1", ConfigID: "p1",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c2", rec.Checksum)
}

func TestForceBypassesDedup(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)
	require.EqualValues(t, 1, e.txtRuns.Load())

	e.dispatch(true)
	e.drainTopic(queue.TopicBackground)
	assert.EqualValues(t, 2, e.txtRuns.Load())
}

func TestRetryExhaustion(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "boom", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	require.Equal(t, 1, e.dispatch(false))

	// attempt at retry counts 0 through 3, then parked
	handled := e.drainTopic(queue.TopicBackground)
	assert.Equal(t, 4, handled)
	assert.EqualValues(t, 4, e.boomRuns.Load())

	failedCount, err := e.queue.Count(context.Background(), queue.TopicFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failedCount)

	item := e.failedItem()
	require.NotNil(t, item.Work.Failure)
	assert.Equal(t, 3, item.Work.Failure.Attempts)
	assert.Equal(t, queue.TopicBackground, item.Work.Failure.OriginQueue)
	assert.NotEmpty(t, item.Work.Failure.Error)
}

func TestInactiveConfigNotRetried(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, func(cfg *types.ProcessorConfig) {
		cfg.Active = false
	})
	e.saveAsset("c1")

	// inactive configs never match, so enqueue the item directly
	_, err := e.queue.Create(context.Background(), queue.TopicBackground, types.WorkItem{
		ID: "w1", FileID: "doc1", FileUUID: "u-1", AssetID: "a1", ConfigID: "p1",
		Metadata:   types.FileMeta{FileID: "doc1", FileUUID: "u-1", Checksum: "c1"},
		QueueClass: types.QueueBackground,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))
	assert.Zero(t, e.txtRuns.Load())

	item := e.failedItem()
	assert.Zero(t, item.Work.Failure.Attempts)
}

func TestMissingChecksumFatal(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)

	_, err := e.queue.Create(context.Background(), queue.TopicBackground, types.WorkItem{
		ID: "w1", FileID: "doc1", FileUUID: "u-1", AssetID: "a1", ConfigID: "p1",
		Metadata:   types.FileMeta{FileID: "doc1", FileUUID: "u-1"},
		QueueClass: types.QueueBackground,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))
	assert.Zero(t, e.txtRuns.Load())

	failedCount, err := e.queue.Count(context.Background(), queue.TopicFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failedCount)
}

func TestResubmitReentersOriginQueue(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "boom", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)

	item := e.failedItem()
	require.NoError(t, e.worker.Resubmit(context.Background(), item))

	bg, err := e.queue.Count(context.Background(), queue.TopicBackground)
	require.NoError(t, err)
	assert.Equal(t, 1, bg)

	requeued, err := e.queue.Claim(context.Background(), queue.TopicBackground)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Nil(t, requeued.Work.Failure)
	assert.Zero(t, requeued.Work.RetryCount)
}

func TestResubmitRejectsUnparkedItem(t *testing.T) {
	e := newEnv(t)

	err := e.worker.Resubmit(context.Background(), queue.NewItem("x", "background", types.WorkItem{}, nil))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDerivedFileRouting(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("pd", "deriver", types.DestinationSet{types.DestFile}, nil)
	e.saveAsset("c1")

	require.Equal(t, 1, e.dispatch(false))
	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))

	a, err := e.assets.Get(context.Background(), "a1")
	require.NoError(t, err)

	// derived png attached under as:image
	images, ok := a.Record["as:image"].(map[string]any)
	require.True(t, ok)
	require.Len(t, images, 1)

	// source entry carries the flavor and an activity line was logged
	flat := a.Flatten()
	var source *types.FileMeta
	for i := range flat.Files {
		if flat.Files[i].FileUUID == "u-1" {
			source = &flat.Files[i]
		}
	}
	require.NotNil(t, source)
	assert.True(t, source.HasFlavor("pd"))
	assert.NotEmpty(t, a.Activity)
}

func TestDerivedFlavorBlocksRematch(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("pd", "deriver", types.DestinationSet{types.DestFile}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)

	// the source file now carries flv:pd, so the resolver skips it
	assert.Zero(t, e.dispatch(false))
}

func TestChainedChildrenDispatched(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("parent1", "txt", types.DestinationSet{types.DestPlugin}, nil)
	e.saveConfig("kid1", "kid", types.DestinationSet{types.DestSearchAPI}, func(cfg *types.ProcessorConfig) {
		cfg.ParentID = "parent1"
		cfg.Settings.SourceType = types.SourceJSON
		cfg.Settings.JSONKeyFilter = nil
		cfg.Settings.QueueClass = types.QueueRealtime
	})
	e.saveAsset("c1")

	require.Equal(t, 1, e.dispatch(false))
	assert.Equal(t, 1, e.drainTopic(queue.TopicBackground))

	// parent output argument list [1 2] × one child config = 2 items
	rt, err := e.queue.Count(context.Background(), queue.TopicRealtime)
	require.NoError(t, err)
	assert.Equal(t, 2, rt)

	assert.Equal(t, 2, e.drainTopic(queue.TopicRealtime))
	assert.EqualValues(t, 2, e.kidRuns.Load())
}

func TestDeleteFlavors(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	e.drainTopic(queue.TopicBackground)
	require.Equal(t, 1, e.track.Len())
	require.Len(t, e.index.Inserted(DefaultDatasource), 1)

	// give the manifest entry a flavor so removal is observable
	require.NoError(t, e.assets.Mutate(context.Background(), "a1", func(a *asset.Asset) error {
		a.SetFlavor("u-1", "flv:p1", map[string]any{"plaintext": "extracted text"})
		return nil
	}))

	removed, err := e.worker.DeleteFlavors(context.Background(), "a1", []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, e.track.Len())
	assert.Empty(t, e.index.Inserted(DefaultDatasource))

	a, err := e.assets.Get(context.Background(), "a1")
	require.NoError(t, err)
	flat := a.Flatten()
	require.Len(t, flat.Files, 1)
	assert.False(t, flat.Files[0].HasFlavor("p1"))
}

func TestDrainProcessesAll(t *testing.T) {
	e := newEnv(t)
	e.saveConfig("p1", "txt", types.DestinationSet{types.DestSearchAPI}, nil)
	e.saveAsset("c1")

	e.dispatch(false)
	n, err := e.worker.Drain(context.Background(), queue.TopicBackground, DrainOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, e.txtRuns.Load())
}
