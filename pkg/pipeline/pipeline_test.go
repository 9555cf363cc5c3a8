package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/store"
)

// recordingBroker captures everything the emitter publishes.
type recordingBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{published: make(map[string][][]byte)}
}

func (b *recordingBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBroker) Subscribe(context.Context, ...string) (<-chan events.Message, func(), error) {
	ch := make(chan events.Message)
	return ch, func() {}, nil
}

func (b *recordingBroker) Catchup(context.Context, string, int64) ([][]byte, error) {
	return nil, nil
}

func (b *recordingBroker) Ping(context.Context) error { return nil }
func (b *recordingBroker) Close() error               { return nil }

// phaseEvents returns the envelopes published on the phase channel for one
// phase id, filtered by event type.
func (b *recordingBroker) phaseEvents(t *testing.T, eventType, phaseID string) []events.Envelope {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []events.Envelope
	for _, raw := range b.published[events.ChannelPhase] {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == eventType && env.Data["phase_id"] == phaseID {
			matched = append(matched, env)
		}
	}
	return matched
}

// --- fake ports ---

type fakeFetcher struct {
	mu         sync.Mutex
	refs       []ports.ExternalRef
	items      map[string]*ports.FetchedItem
	listErr    error
	fetchCalls int
}

func (f *fakeFetcher) ListNewItems(context.Context) ([]ports.ExternalRef, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.refs, nil
}

func (f *fakeFetcher) FetchItem(_ context.Context, ref ports.ExternalRef) (*ports.FetchedItem, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	item, ok := f.items[ref.ID]
	if !ok {
		return nil, ports.Permanent("fetch.item", errors.New("unknown ref "+ref.ID))
	}
	return item, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// fakeMedia materializes a file per URL so vision and the KB copy work.
type fakeMedia struct {
	dir string
}

func (m *fakeMedia) Download(_ context.Context, url string) (string, error) {
	dest := filepath.Join(m.dir, filepath.Base(url))
	if err := os.WriteFile(dest, []byte("media for "+url), 0o644); err != nil {
		return "", ports.Transient("media.download", err)
	}
	return dest, nil
}

type fakeVision struct {
	description string
}

func (v *fakeVision) DescribeImage(context.Context, string) (string, error) {
	return v.description, nil
}

type fakeLLM struct {
	mu       sync.Mutex
	cat      *ports.Categorization
	catErr   error
	failures int
	catCalls int
	synth    string
}

func (l *fakeLLM) Categorize(context.Context, string, []string) (*ports.Categorization, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.catCalls++
	if l.failures > 0 {
		l.failures--
		return nil, ports.Transient("llm.categorize", context.DeadlineExceeded)
	}
	if l.catErr != nil {
		return nil, l.catErr
	}
	return l.cat, nil
}

func (l *fakeLLM) Synthesize(context.Context, []*models.Item) (string, error) {
	return l.synth, nil
}

type fakeRenderer struct{}

func (fakeRenderer) RenderItem(item *models.Item) (string, error) {
	return "# " + item.KBDisplayTitle + "\n\nSource id: " + item.ItemID + "\n\n" + item.FullText + "\n", nil
}

func (fakeRenderer) RenderIndex([]*models.Item, ports.IndexStats) (string, error) {
	return "# Knowledge Base\n", nil
}

func (fakeRenderer) RenderIndexHTML([]*models.Item, ports.IndexStats) (string, error) {
	return "<html></html>", nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls [][]string
}

func (p *fakePublisher) Publish(_ context.Context, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, paths)
	return nil
}

type fakeEmbedder struct{ dim int }

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, e.dim), nil
}

func (e *fakeEmbedder) Dimensions() int { return e.dim }

type fakeVector struct {
	mu      sync.Mutex
	upserts map[string]map[string]string
}

func (v *fakeVector) EnsureCollection(context.Context) error { return nil }

func (v *fakeVector) Upsert(_ context.Context, itemID string, _ []float32, payload map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.upserts == nil {
		v.upserts = make(map[string]map[string]string)
	}
	v.upserts[itemID] = payload
	return nil
}

func (v *fakeVector) Delete(context.Context, string) error { return nil }

// --- fixture ---

type fixture struct {
	cfg       *config.Config
	stores    Stores
	broker    *recordingBroker
	fetcher   *fakeFetcher
	llm       *fakeLLM
	publisher *fakePublisher
	vector    *fakeVector
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "kbforge.db")

	cfg := &config.Config{
		Database:      dbCfg,
		Queue:         config.DefaultQueueConfig(),
		Pipeline:      config.DefaultPipelineConfig(),
		Events:        config.DefaultEventsConfig(),
		KnowledgeBase: &config.KnowledgeBaseConfig{Dir: t.TempDir(), MediaCacheDir: t.TempDir()},
		Vector:        &config.VectorConfig{},
	}
	// Fast retries so transient failures resolve inside a test run.
	cfg.Pipeline.RetryBaseBackoff = time.Millisecond
	cfg.Pipeline.RetryMaxBackoff = 10 * time.Millisecond

	client, err := database.NewClient(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	stores := Stores{
		Items:      store.NewItemStore(client),
		Queue:      store.NewQueueStore(client),
		Categories: store.NewCategoryStore(client),
		Stats:      store.NewStatsStore(client),
	}

	broker := newRecordingBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := events.NewEmitter(broker, cfg.Events, logger)

	fetcher := &fakeFetcher{items: make(map[string]*ports.FetchedItem)}
	llm := &fakeLLM{synth: "# Synthesis\n"}
	publisher := &fakePublisher{}
	vector := &fakeVector{}

	pts := Ports{
		Fetcher:   fetcher,
		Media:     &fakeMedia{dir: t.TempDir()},
		Vision:    &fakeVision{description: "a diagram of X"},
		LLM:       llm,
		Embedder:  &fakeEmbedder{dim: 4},
		Vector:    vector,
		Renderer:  fakeRenderer{},
		Publisher: publisher,
	}

	processor := NewItemProcessor(cfg, stores, pts, emitter, logger)
	orch := NewOrchestrator(cfg, stores, pts, emitter, processor, logger)

	return &fixture{
		cfg:       cfg,
		stores:    stores,
		broker:    broker,
		fetcher:   fetcher,
		llm:       llm,
		publisher: publisher,
		vector:    vector,
		orch:      orch,
	}
}

// seedRef registers one fetchable ref with an image attachment.
func (f *fixture) seedRef(id, text string, mediaURLs ...string) {
	f.fetcher.refs = append(f.fetcher.refs, ports.ExternalRef{ID: id, URL: "https://example.com/" + id})
	f.fetcher.items[id] = &ports.FetchedItem{
		FullText:   text,
		MediaURLs:  mediaURLs,
		SourceURL:  "https://example.com/" + id,
		RawPayload: []byte(`{"id":"` + id + `"}`),
	}
}

func (f *fixture) categorizeAs(main, sub, name string) {
	f.llm.cat = &ports.Categorization{
		Main:        main,
		Sub:         sub,
		Name:        name,
		Description: "about " + name,
		Raw:         []byte(`{"main":"` + main + `"}`),
	}
}
