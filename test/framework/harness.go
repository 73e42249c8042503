package framework

import (
	"context"
	"time"

	"github.com/forensiq/harvest/pkg/batch"
	"github.com/forensiq/harvest/pkg/cloudstore"
	"github.com/forensiq/harvest/pkg/collect"
	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/session"
	"github.com/forensiq/harvest/pkg/transfer"
)

// Options tune the harness.
type Options struct {
	// NoStore leaves the object store out, the way a --no-upload run
	// is wired
	NoStore bool

	// MaxConcurrent overrides the batch fan-out width
	MaxConcurrent int

	// PulseInterval overrides the session keep-alive period
	PulseInterval time.Duration

	// Tune edits the config before anything is built from it
	Tune func(*config.Config)
}

// Harness wires the real API client, session manager, transfer manager,
// collection machine and batch executor against a FakeCloud and a
// FakeObjectStore. Only the two fakes and the work directory separate
// it from production wiring, so a passing run here exercises every
// wire format the production binary speaks.
type Harness struct {
	Cloud       *FakeCloud
	ObjectStore *FakeObjectStore
	Client      *falcon.Client
	Sessions    *session.Manager
	Transfer    *transfer.Manager
	Store       *cloudstore.Store
	Machine     *collect.Machine
	Executor    *batch.Executor
	Broker      *events.Broker
	Events      events.Subscriber
	Config      *config.Config
	WorkDir     string
}

// NewHarness builds the full pipeline with test-grade timing. Servers
// and the broker are torn down through t.Cleanup.
func NewHarness(t TestingT, opts Options) *Harness {
	t.Helper()

	cfg := config.Default()
	cfg.Timeouts.ProgressPoll = config.Duration(2 * time.Millisecond)
	cfg.Timeouts.Primary = config.Duration(300 * time.Millisecond)
	cfg.Timeouts.Secondary = config.Duration(300 * time.Millisecond)
	cfg.Timeouts.Fetch = config.Duration(5 * time.Second)
	cfg.Payloads.Kape = "/tools/kape.zip"
	cfg.Payloads.UAC = "/tools/uac.zip"
	if opts.Tune != nil {
		opts.Tune(cfg)
	}

	cloud := NewFakeCloud()
	t.Cleanup(cloud.Close)

	client, err := falcon.New(falcon.Options{
		BaseURL:          cloud.URL(),
		Credentials:      falcon.Credentials{ClientID: "test-client", ClientSecret: "test-secret"},
		RateLimit:        1000,
		RateBurst:        1000,
		RetryMaxAttempts: 3,
		RetryBaseBackoff: time.Millisecond,
		RetryMaxBackoff:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("falcon client: %v", err)
	}

	pulse := opts.PulseInterval
	if pulse <= 0 {
		pulse = 50 * time.Millisecond
	}
	sessions := session.NewManager(client, session.Options{
		PulseInterval:      pulse,
		CommandPollInitial: time.Millisecond,
		CommandPollMax:     5 * time.Millisecond,
	})

	xfer := transfer.NewManager(sessions, client, transfer.Options{
		CommandTimeout:    2 * time.Second,
		StabilityInterval: 2 * time.Millisecond,
		StagePollInterval: 2 * time.Millisecond,
		RetryDelay:        time.Millisecond,
	})

	h := &Harness{
		Cloud:    cloud,
		Client:   client,
		Sessions: sessions,
		Transfer: xfer,
		Config:   cfg,
		WorkDir:  t.TempDir(),
	}

	if !opts.NoStore {
		h.ObjectStore = NewFakeObjectStore()
		t.Cleanup(h.ObjectStore.Close)
		store, err := cloudstore.New(context.Background(), cloudstore.Options{
			Bucket:      "forensics",
			Region:      "us-east-1",
			Endpoint:    h.ObjectStore.URL(),
			Credentials: cloudstore.Credentials{AccessKeyID: "test", SecretAccessKey: "test"},
		})
		if err != nil {
			t.Fatalf("object store client: %v", err)
		}
		h.Store = store
	}

	h.Broker = events.NewBroker()
	h.Broker.Start()
	t.Cleanup(h.Broker.Stop)
	h.Events = h.Broker.Subscribe()

	deps := collect.Deps{
		Discover: client,
		Sessions: sessions,
		Transfer: xfer,
		Tools:    client,
		Broker:   h.Broker,
		Config:   cfg,
		WorkDir:  h.WorkDir,
	}
	// assigning a nil *cloudstore.Store directly would make the
	// interface non-nil
	if h.Store != nil {
		deps.Store = h.Store
	}
	h.Machine = collect.New(deps)

	width := opts.MaxConcurrent
	if width <= 0 {
		width = cfg.MaxConcurrent
	}
	h.Executor = batch.NewExecutor(h.Machine, h.Broker, width)
	return h
}
