package collect

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forensiq/harvest/pkg/cloudstore"
	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/session"
	"github.com/forensiq/harvest/pkg/transfer"
	"github.com/forensiq/harvest/pkg/types"
)

// hostSim scripts one remote host. Commands are classified by their
// distinctive fragments and dispatched to per-kind handlers, so a test
// reads as "what the host answers", not as a transcript.
type hostSim struct {
	mu       sync.Mutex
	reqs     []types.CommandRequest
	calls    map[string]int
	handlers map[string]func(n int, req types.CommandRequest) (string, error)
}

func newHostSim() *hostSim {
	return &hostSim{
		calls:    map[string]int{},
		handlers: map[string]func(int, types.CommandRequest) (string, error){},
	}
}

func (h *hostSim) on(kind string, fn func(n int, req types.CommandRequest) (string, error)) {
	h.handlers[kind] = fn
}

func (h *hostSim) respond(kind, out string) {
	h.on(kind, func(int, types.CommandRequest) (string, error) { return out, nil })
}

func (h *hostSim) failWith(kind string, err error) {
	h.on(kind, func(int, types.CommandRequest) (string, error) { return "", err })
}

func (h *hostSim) count(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[kind]
}

func (h *hostSim) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

func (h *hostSim) find(kind string) []types.CommandRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.CommandRequest
	for _, req := range h.reqs {
		if classifyCommand(req) == kind {
			out = append(out, req)
		}
	}
	return out
}

func (h *hostSim) Execute(ctx context.Context, sess *types.Session, req types.CommandRequest, timeout time.Duration) (*types.CommandResult, error) {
	kind := classifyCommand(req)
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.calls[kind]++
	n := h.calls[kind]
	fn := h.handlers[kind]
	h.mu.Unlock()

	if fn == nil {
		return &types.CommandResult{Complete: true}, nil
	}
	out, err := fn(n, req)
	if err != nil {
		return nil, err
	}
	return &types.CommandResult{Stdout: out, Complete: true}, nil
}

// classifyCommand names a command by its distinctive fragment. Order
// matters: script-writing commands carry whole scripts as content, so
// they are matched before anything their content could contain.
func classifyCommand(req types.CommandRequest) string {
	switch req.BaseCommand {
	case "cd", "put", "get":
		return req.BaseCommand
	}
	s := req.CommandString
	rules := []struct{ kind, marker string }{
		{"write", "Set-Content"}, {"write", "HARVEST_EOF"},
		{"disk", "Get-PSDrive"}, {"disk", "df -k"},
		{"kill", "Stop-Process"}, {"kill", "pkill"},
		{"running", "'RUNNING'"}, {"running", "pgrep"},
		{"mkdir", "New-Item"}, {"mkdir", "mkdir -p"},
		{"expand", "Expand-Archive"}, {"expand", "unzip"}, {"expand", "tar -xzf"},
		{"sha256", "Get-FileHash"}, {"sha256", "sha256sum"},
		{"tail", "-Tail"}, {"tail", "tail -n"},
		{"launch", "Start-Process"}, {"launch", "</dev/null"},
		{"chmod", "chmod"},
		{"hosts", `etc\hosts`}, {"hosts", "/etc/hosts"},
		{"clear", "CLEARED"},
		{"removeall", "Remove-Item -Path"}, {"removeall", "rm -rf"},
		{"stat", "Get-Item "}, {"stat", "ls -ld"},
		{"exists", "Test-Path"}, {"exists", "[ -e"},
		{"list", "Get-ChildItem"}, {"list", "ls -l"},
	}
	for _, r := range rules {
		if strings.Contains(s, r.marker) {
			return r.kind
		}
	}
	return req.BaseCommand
}

// winHost answers like a healthy Windows box: workspace commands
// succeed, the tool entry file exists, everything else is clean.
func winHost() *hostSim {
	h := newHostSim()
	h.respond("kill", "KILLED")
	h.respond("mkdir", "CREATED")
	h.respond("disk", "107374182400") // 100 GiB free
	h.respond("cd", "")
	h.respond("put", "")
	h.respond("expand", "EXTRACTED")
	h.respond("write", "WRITTEN")
	h.respond("launch", "LAUNCHED")
	h.respond("clear", "CLEARED")
	h.respond("removeall", "REMOVED")
	h.respond("hosts", "APPLIED")
	h.respond("stat", "MISSING")
	h.respond("tail", "")
	h.on("exists", func(_ int, req types.CommandRequest) (string, error) {
		if strings.Contains(req.CommandString, "kape.exe") {
			return "EXISTS", nil
		}
		return "MISSING", nil // workspace gone after cleanup
	})
	return h
}

// unixHost answers like a healthy Linux box
func unixHost() *hostSim {
	h := newHostSim()
	h.respond("kill", "KILLED")
	h.respond("mkdir", "CREATED")
	h.respond("disk", "104857600") // df -k: 100 GiB free
	h.respond("cd", "")
	h.respond("put", "")
	h.respond("expand", "EXTRACTED")
	h.respond("chmod", "PREPARED")
	h.respond("launch", "LAUNCHED")
	h.respond("clear", "CLEARED")
	h.respond("removeall", "REMOVED")
	h.respond("hosts", "APPLIED")
	h.respond("stat", "MISSING")
	h.respond("tail", "")
	h.on("exists", func(_ int, req types.CommandRequest) (string, error) {
		if strings.Contains(req.CommandString, "uac/uac") {
			return "EXISTS", nil
		}
		return "MISSING", nil
	})
	return h
}

func (h *hostSim) listSeq(listings ...string) {
	h.on("list", func(n int, _ types.CommandRequest) (string, error) {
		if n > len(listings) {
			n = len(listings)
		}
		return listings[n-1], nil
	})
}

func winListing(rows ...string) string {
	lines := append([]string{"Name Length", "---- ------"}, rows...)
	return strings.Join(lines, "\n")
}

func winRow(size int64, name string) string {
	return fmt.Sprintf("%d %.2f 5/1/2024 12:20 PM %s", size, float64(size)/(1<<20), name)
}

func unixListing(rows ...string) string {
	lines := append([]string{"total 8"}, rows...)
	return strings.Join(lines, "\n")
}

func unixRow(size int64, name string) string {
	return fmt.Sprintf("-rw-r--r-- 1 root root %d May  1 12:20 %s", size, name)
}

type fakeDiscover struct {
	host *types.Host
	err  error
}

func (f *fakeDiscover) DiscoverHost(ctx context.Context, hostname string, force bool) (*types.Host, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.host, nil
}

type fakeSessions struct {
	mu         sync.Mutex
	acquires   int
	releases   int
	acquireErr error
}

func (f *fakeSessions) Acquire(ctx context.Context, host *types.Host) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &types.Session{
		ID:     fmt.Sprintf("sess-%d", f.acquires),
		AID:    host.AID,
		CID:    host.CID,
		Status: types.SessionActive,
	}, nil
}

func (f *fakeSessions) Release(sess *types.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeSessions) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) EnsureToolUploaded(ctx context.Context, cid, name, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cid+"/"+name)
	return nil
}

func (f *fakeTools) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeStager struct {
	mu        sync.Mutex
	listCalls int
	name      string
	sha       string
	payload   []byte
}

func (s *fakeStager) ListFiles(ctx context.Context, sessionID string) ([]types.RemoteFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listCalls < 2 || s.name == "" {
		return nil, nil
	}
	return []types.RemoteFile{
		{ID: "staged-1", Name: s.name, SHA256: s.sha, Size: int64(len(s.payload))},
	}, nil
}

func (s *fakeStager) GetExtractedFile(ctx context.Context, sessionID, sha256, filename string) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(s.payload)), int64(len(s.payload)), nil
}

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]int64
	uploads   int
	uploadErr error
	dropPut   bool // with uploadErr: bytes never reached the store
	corrupt   bool // Head reports a wrong size
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]int64{}}
}

func (s *fakeStore) Upload(ctx context.Context, key, localPath string) (*cloudstore.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if s.uploadErr != nil {
		if !s.dropPut {
			s.objects[key] = st.Size()
		}
		return nil, s.uploadErr
	}
	s.objects[key] = st.Size()
	return &cloudstore.UploadResult{Key: key, Size: st.Size()}, nil
}

func (s *fakeStore) Head(ctx context.Context, key string) (*cloudstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.objects[key]
	if !ok {
		return nil, cloudstore.ErrNotFound
	}
	if s.corrupt {
		size++
	}
	return &cloudstore.ObjectInfo{Key: key, Size: size, ETag: "fake"}, nil
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeouts.ProgressPoll = config.Duration(2 * time.Millisecond)
	cfg.Timeouts.Primary = config.Duration(300 * time.Millisecond)
	cfg.Timeouts.Secondary = config.Duration(300 * time.Millisecond)
	cfg.Timeouts.Fetch = config.Duration(5 * time.Second)
	cfg.Payloads.Kape = "/tools/kape.zip"
	cfg.Payloads.UAC = "/tools/uac.zip"
	return cfg
}

type rig struct {
	sim      *hostSim
	stager   *fakeStager
	store    *fakeStore
	sessions *fakeSessions
	tools    *fakeTools
	machine  *Machine
	sub      events.Subscriber
	workDir  string
}

func newRig(t *testing.T, host *types.Host, sim *hostSim, stager *fakeStager, store *fakeStore, cfg *config.Config) *rig {
	t.Helper()
	if stager == nil {
		stager = &fakeStager{}
	}
	xfer := transfer.NewManager(sim, stager, transfer.Options{
		CommandTimeout:    time.Second,
		StabilityInterval: 2 * time.Millisecond,
		StagePollInterval: 2 * time.Millisecond,
		RetryDelay:        time.Millisecond,
	})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	sessions := &fakeSessions{}
	tools := &fakeTools{}
	workDir := t.TempDir()

	var st Store
	if store != nil {
		st = store
	}
	m := New(Deps{
		Discover: &fakeDiscover{host: host},
		Sessions: sessions,
		Transfer: xfer,
		Tools:    tools,
		Store:    st,
		Broker:   broker,
		Config:   cfg,
		WorkDir:  workDir,
	})
	return &rig{
		sim: sim, stager: stager, store: store,
		sessions: sessions, tools: tools,
		machine: m, sub: sub, workDir: workDir,
	}
}

func winTestHost() *types.Host {
	return &types.Host{AID: "aid-1", CID: "cid-1", Hostname: "WIN-1", Platform: types.PlatformWindows, Online: true}
}

func linuxTestHost() *types.Host {
	return &types.Host{AID: "aid-2", CID: "cid-2", Hostname: "lin-1", Platform: types.PlatformLinux, Online: true}
}

// terminalEvents drains the subscription until the job's terminal event
func terminalEvents(t *testing.T, sub events.Subscriber) []*events.Event {
	t.Helper()
	var got []*events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			got = append(got, ev)
			if ev.Type == events.EventJobDone || ev.Type == events.EventJobFailed {
				return got
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(got))
		}
	}
}

func phasesOf(evs []*events.Event) []types.Phase {
	var out []types.Phase
	for _, ev := range evs {
		if ev.Type == events.EventJobPhase {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func assertPhases(t *testing.T, got, want []types.Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
}

func TestRunKapeEndToEnd(t *testing.T) {
	payload := []byte("kape triage archive bytes for WIN-1")
	sum := sha256.Sum256(payload)
	shaHex := hex.EncodeToString(sum[:])
	const vhdx = "2024-05-01T1200_WIN-1-triage.vhdx"
	const archive = "2024-05-01T1200_WIN-1-triage.7z"
	asize := int64(len(payload))

	sim := winHost()
	sim.respond("sha256", shaHex)
	sim.listSeq(
		winListing(winRow(650117120, vhdx)),                     // monitor: artifact observed
		winListing(winRow(650117120, vhdx)),                     // primary appear
		winListing(winRow(650117120, vhdx)),                     // primary sample 1
		winListing(winRow(650117120, vhdx)),                     // primary sample 2, stable
		winListing(winRow(650117120, vhdx)),                     // secondary appear: not yet
		winListing(winRow(650117120, vhdx), winRow(asize, archive)), // secondary appears
		winListing(winRow(650117120, vhdx), winRow(asize, archive)), // secondary sample 1
		winListing(winRow(650117120, vhdx), winRow(asize, archive)), // secondary sample 2, stable
	)
	stager := &fakeStager{name: archive, sha: shaHex, payload: payload}
	store := newFakeStore()
	r := newRig(t, winTestHost(), sim, stager, store, fastConfig())

	job := &types.Job{Hostname: "WIN-1", Tool: types.ToolKape}
	out := r.machine.Run(context.Background(), job)

	if out.Result != types.ResultSuccess {
		t.Fatalf("result = %s, phase %s kind %s: %s", out.Result, out.Phase, out.Kind, out.Detail)
	}
	if out.Phase != types.PhaseDone {
		t.Errorf("phase = %s, want DONE", out.Phase)
	}
	wantKey := "kape/WIN-1/" + archive
	if out.Key != wantKey {
		t.Errorf("key = %q, want %q", out.Key, wantKey)
	}
	if out.Size != asize {
		t.Errorf("size = %d, want %d", out.Size, asize)
	}
	if out.UploadReported != nil {
		t.Errorf("upload reported error: %v", out.UploadReported)
	}

	evs := terminalEvents(t, r.sub)
	assertPhases(t, phasesOf(evs), []types.Phase{
		types.PhaseInit, types.PhasePrecheck, types.PhaseDeploy, types.PhaseLaunch,
		types.PhaseRunMonitor, types.PhaseFileWait, types.PhaseStabilize,
		types.PhaseFileWait, types.PhaseStabilize, types.PhaseFetch,
		types.PhaseUpload, types.PhaseVerify, types.PhaseClean,
	})
	if last := evs[len(evs)-1]; last.Type != events.EventJobDone {
		t.Errorf("terminal event = %s", last.Type)
	}

	// deploy conversation
	if got := r.tools.uploaded(); len(got) != 1 || got[0] != "cid-1/kape.zip" {
		t.Errorf("tool library uploads = %v", got)
	}
	if puts := r.sim.find("put"); len(puts) != 1 || !strings.Contains(puts[0].CommandString, "'kape.zip'") {
		t.Errorf("put requests = %+v", puts)
	}
	if n := sim.count("expand"); n != 1 {
		t.Errorf("expand calls = %d", n)
	}
	writes := r.sim.find("write")
	if len(writes) != 1 || !strings.Contains(writes[0].CommandString, "--target !SANS_Triage") {
		t.Errorf("kape cli write = %+v", writes)
	}

	// cleanup swept the workspace and both process sweeps ran
	if n := sim.count("kill"); n != 2 {
		t.Errorf("kill calls = %d, want 2 (deploy sweep + cleanup)", n)
	}
	if sim.count("removeall") == 0 || sim.count("clear") == 0 {
		t.Error("cleanup never removed the workspace")
	}
	if acq, rel := r.sessions.counts(); acq != 1 || rel != 1 {
		t.Errorf("sessions acquired/released = %d/%d", acq, rel)
	}

	// the store holds the object, the local staging copy is gone
	if size, ok := store.objects[wantKey]; !ok || size != asize {
		t.Errorf("store objects = %v", store.objects)
	}
	local := r.workDir + "/WIN-1/" + archive
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("local staging copy still present at %s", local)
	}
}

func TestRunUACEndToEnd(t *testing.T) {
	payload := []byte("uac tarball bytes for lin-1")
	sum := sha256.Sum256(payload)
	shaHex := hex.EncodeToString(sum[:])
	const archive = "uac-lin-1-linux-20240501120000.tar.gz"
	asize := int64(len(payload))

	sim := unixHost()
	sim.respond("sha256", shaHex)
	sim.on("stat", func(_ int, _ types.CommandRequest) (string, error) {
		return "EXISTS 2", nil // exit sentinel present immediately
	})
	sim.on("tail", func(_ int, req types.CommandRequest) (string, error) {
		if strings.Contains(req.CommandString, "uac_exit_code") {
			return "0\n", nil
		}
		return "", nil
	})
	sim.listSeq(
		unixListing(unixRow(asize, archive)), // appear
		unixListing(unixRow(asize, archive)), // sample 1
		unixListing(unixRow(asize, archive)), // sample 2, stable
	)
	stager := &fakeStager{name: archive, sha: shaHex, payload: payload}
	store := newFakeStore()
	r := newRig(t, linuxTestHost(), sim, stager, store, fastConfig())

	job := &types.Job{Hostname: "lin-1", Tool: types.ToolUAC}
	out := r.machine.Run(context.Background(), job)

	if out.Result != types.ResultSuccess {
		t.Fatalf("result = %s, phase %s kind %s: %s", out.Result, out.Phase, out.Kind, out.Detail)
	}
	if out.Key != "uac/lin-1/"+archive {
		t.Errorf("key = %q", out.Key)
	}
	if job.Target != "ir_triage" {
		t.Errorf("target defaulted to %q, want ir_triage", job.Target)
	}

	evs := terminalEvents(t, r.sub)
	assertPhases(t, phasesOf(evs), []types.Phase{
		types.PhaseInit, types.PhasePrecheck, types.PhaseDeploy, types.PhaseLaunch,
		types.PhaseRunMonitor, types.PhaseFileWait, types.PhaseStabilize,
		types.PhaseFetch, types.PhaseUpload, types.PhaseVerify, types.PhaseClean,
	})

	if got := r.tools.uploaded(); len(got) != 1 || got[0] != "cid-2/uac.zip" {
		t.Errorf("tool library uploads = %v", got)
	}
	if n := sim.count("chmod"); n != 1 {
		t.Errorf("chmod calls = %d", n)
	}
}

func TestRunHostNotFound(t *testing.T) {
	sim := newHostSim()
	r := newRig(t, nil, sim, nil, newFakeStore(), fastConfig())
	r.machine.discover = &fakeDiscover{err: falcon.ErrHostNotFound}

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "GHOST", Tool: types.ToolKape})

	if out.Result != types.ResultFailure || out.Phase != types.PhasePrecheck || out.Kind != types.FailureHostNotFound {
		t.Fatalf("outcome = %s/%s/%s", out.Result, out.Phase, out.Kind)
	}
	if acq, _ := r.sessions.counts(); acq != 0 {
		t.Errorf("session acquired for a host that failed precheck")
	}
	if sim.total() != 0 {
		t.Errorf("%d commands sent to an undiscovered host", sim.total())
	}
	evs := terminalEvents(t, r.sub)
	assertPhases(t, phasesOf(evs), []types.Phase{types.PhaseInit, types.PhasePrecheck})
}

func TestRunHostOffline(t *testing.T) {
	host := winTestHost()
	host.Online = false
	r := newRig(t, host, newHostSim(), nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Kind != types.FailureHostOffline || out.Phase != types.PhasePrecheck {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if acq, _ := r.sessions.counts(); acq != 0 {
		t.Error("session acquired for an offline host")
	}
}

func TestRunPlatformMismatch(t *testing.T) {
	r := newRig(t, linuxTestHost(), newHostSim(), nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolKape})

	if out.Kind != types.FailurePlatformMismatch || out.Phase != types.PhasePrecheck {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if acq, _ := r.sessions.counts(); acq != 0 {
		t.Error("session acquired despite platform mismatch")
	}
}

func TestRunUnknownTool(t *testing.T) {
	r := newRig(t, winTestHost(), newHostSim(), nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.Tool("volatility")})

	if out.Phase != types.PhaseInit || out.Kind != types.FailureInvalid {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
}

func TestRunInsufficientDisk(t *testing.T) {
	sim := winHost()
	sim.respond("disk", "1048576") // 1 MiB free, both probes
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseDeploy || out.Kind != types.FailureInsufficientDisk {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if n := sim.count("disk"); n != 2 {
		t.Errorf("disk probes = %d, want 2 (gate + retry after sweep)", n)
	}
	// one sweep between the probes, one during cleanup
	if n := sim.count("clear"); n != 2 {
		t.Errorf("workspace sweeps = %d, want 2", n)
	}
	if sim.count("removeall") == 0 {
		t.Error("cleanup never ran")
	}
	if _, rel := r.sessions.counts(); rel != 1 {
		t.Error("session not released after deploy failure")
	}
}

func TestRunDiskRecoversAfterSweep(t *testing.T) {
	sim := winHost()
	sim.on("disk", func(n int, _ types.CommandRequest) (string, error) {
		if n == 1 {
			return "1048576", nil // first probe: 1 MiB
		}
		return "107374182400", nil // after the sweep: plenty
	})
	// fail at launch so the test stays inside deploy semantics
	sim.failWith("launch", &falcon.APIError{Kind: falcon.KindInvalid, Status: 400, Endpoint: "execute", Message: "rejected"})
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseLaunch || out.Kind != types.FailureLaunch {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if n := sim.count("disk"); n != 2 {
		t.Errorf("disk probes = %d, want 2", n)
	}
	if n := sim.count("put"); n != 1 {
		t.Errorf("put calls = %d, want 1 (deploy passed the disk gate)", n)
	}
}

func TestRunPutDenied(t *testing.T) {
	sim := winHost()
	sim.failWith("put", &falcon.APIError{Kind: falcon.KindPermission, Status: 403, Endpoint: "execute", Message: "put not permitted"})
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseDeploy || out.Kind != types.FailurePutDenied {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
}

func TestRunExtractFailed(t *testing.T) {
	sim := winHost()
	sim.respond("exists", "MISSING") // entry file never shows up
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseDeploy || out.Kind != types.FailureExtract {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if !strings.Contains(out.Detail, "kape.exe") {
		t.Errorf("detail = %q", out.Detail)
	}
}

func TestRunToolExitFailure(t *testing.T) {
	sim := unixHost()
	sim.on("stat", func(_ int, _ types.CommandRequest) (string, error) {
		return "EXISTS 2", nil
	})
	sim.on("tail", func(_ int, req types.CommandRequest) (string, error) {
		if strings.Contains(req.CommandString, "uac_exit_code") {
			return "1\n", nil
		}
		return "", nil
	})
	r := newRig(t, linuxTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Phase != types.PhaseRunMonitor || out.Kind != types.FailureRun {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if !strings.Contains(out.Detail, "code 1") {
		t.Errorf("detail = %q", out.Detail)
	}
	// host swept despite the failure
	if sim.count("kill") < 2 || sim.count("removeall") == 0 {
		t.Error("cleanup incomplete after tool failure")
	}
	if _, rel := r.sessions.counts(); rel != 1 {
		t.Error("session not released")
	}
	evs := terminalEvents(t, r.sub)
	ph := phasesOf(evs)
	if ph[len(ph)-1] != types.PhaseClean {
		t.Errorf("last phase = %s, want CLEAN", ph[len(ph)-1])
	}
}

func TestRunTimeout(t *testing.T) {
	sim := unixHost()
	sim.listSeq(unixListing()) // nothing ever lands
	cfg := fastConfig()
	cfg.UAC.ProfileTimeouts["ir_triage"] = config.Duration(20 * time.Millisecond)
	r := newRig(t, linuxTestHost(), sim, nil, newFakeStore(), cfg)

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Phase != types.PhaseRunMonitor || out.Kind != types.FailureRunTimeout {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
}

func TestRunPrimaryNeverStabilizes(t *testing.T) {
	const vhdx = "2024-05-01T1200_WIN-1-triage.vhdx"
	sim := winHost()
	sim.on("list", func(n int, _ types.CommandRequest) (string, error) {
		// grows on every sample, forever
		return winListing(winRow(int64(1_000_000+n*1_000), vhdx)), nil
	})
	cfg := fastConfig()
	cfg.Timeouts.Primary = config.Duration(40 * time.Millisecond)
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), cfg)

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseStabilize || out.Kind != types.FailurePrimaryUnstable {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if sim.count("removeall") == 0 {
		t.Error("cleanup never ran")
	}
}

func TestRunSecondaryNeverAppears(t *testing.T) {
	const vhdx = "2024-05-01T1200_WIN-1-triage.vhdx"
	sim := winHost()
	sim.listSeq(winListing(winRow(650117120, vhdx))) // vhdx stable, no archive ever
	cfg := fastConfig()
	cfg.Timeouts.Secondary = config.Duration(40 * time.Millisecond)
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), cfg)

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseFileWait || out.Kind != types.FailureSecondaryUnstable {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
}

// uacCollectSim scripts a complete successful UAC collection so the
// upload and verification tests can concentrate on the store.
func uacCollectSim(payload []byte) (*hostSim, *fakeStager, string) {
	sum := sha256.Sum256(payload)
	shaHex := hex.EncodeToString(sum[:])
	const archive = "uac-lin-1-linux-20240501120000.tar.gz"

	sim := unixHost()
	sim.respond("sha256", shaHex)
	sim.on("stat", func(_ int, _ types.CommandRequest) (string, error) {
		return "EXISTS 2", nil
	})
	sim.on("tail", func(_ int, req types.CommandRequest) (string, error) {
		if strings.Contains(req.CommandString, "uac_exit_code") {
			return "0", nil
		}
		return "", nil
	})
	sim.listSeq(
		unixListing(unixRow(int64(len(payload)), archive)),
		unixListing(unixRow(int64(len(payload)), archive)),
		unixListing(unixRow(int64(len(payload)), archive)),
	)
	stager := &fakeStager{name: archive, sha: shaHex, payload: payload}
	return sim, stager, archive
}

func TestRunUploadReportedFailureButVerified(t *testing.T) {
	payload := []byte("uac tarball that arrived despite the error")
	sim, stager, archive := uacCollectSim(payload)
	store := newFakeStore()
	store.uploadErr = errors.New("spurious: connection reset by peer")
	r := newRig(t, linuxTestHost(), sim, stager, store, fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Result != types.ResultSuccess {
		t.Fatalf("result = %s, phase %s kind %s: %s", out.Result, out.Phase, out.Kind, out.Detail)
	}
	if out.Detail != "upload reported failure but object verified" {
		t.Errorf("detail = %q", out.Detail)
	}
	if out.UploadReported == nil {
		t.Error("upload error not recorded")
	}
	if out.Key != "uac/lin-1/"+archive {
		t.Errorf("key = %q", out.Key)
	}
}

func TestRunUploadUnverified(t *testing.T) {
	payload := []byte("uac tarball that never arrived")
	sim, stager, _ := uacCollectSim(payload)
	store := newFakeStore()
	store.uploadErr = errors.New("connection reset by peer")
	store.dropPut = true
	r := newRig(t, linuxTestHost(), sim, stager, store, fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Result != types.ResultFailure || out.Phase != types.PhaseVerify || out.Kind != types.FailureUploadUnverified {
		t.Fatalf("outcome = %s/%s/%s: %s", out.Result, out.Phase, out.Kind, out.Detail)
	}
	if !strings.Contains(out.Detail, "absent after upload") {
		t.Errorf("detail = %q", out.Detail)
	}
}

func TestRunVerifySizeMismatch(t *testing.T) {
	payload := []byte("uac tarball, truncated in flight")
	sim, stager, _ := uacCollectSim(payload)
	store := newFakeStore()
	store.corrupt = true
	r := newRig(t, linuxTestHost(), sim, stager, store, fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Phase != types.PhaseVerify || out.Kind != types.FailureUploadUnverified {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
}

func TestRunNoUpload(t *testing.T) {
	payload := []byte("uac tarball kept locally")
	sim, stager, archive := uacCollectSim(payload)
	r := newRig(t, linuxTestHost(), sim, stager, nil, fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "lin-1", Tool: types.ToolUAC, NoUpload: true})

	if out.Result != types.ResultSuccess {
		t.Fatalf("result = %s, phase %s kind %s: %s", out.Result, out.Phase, out.Kind, out.Detail)
	}
	if out.Key != "" {
		t.Errorf("key = %q, want empty without upload", out.Key)
	}
	local := r.workDir + "/lin-1/" + archive
	if !strings.Contains(out.Detail, local) {
		t.Errorf("detail = %q, want the local path", out.Detail)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("local artifact: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("local artifact corrupted")
	}
}

func TestRunCancelledDuringMonitor(t *testing.T) {
	sim := unixHost()
	sim.listSeq(unixListing()) // never completes
	r := newRig(t, linuxTestHost(), sim, nil, newFakeStore(), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(15*time.Millisecond, cancel)

	out := r.machine.Run(ctx, &types.Job{Hostname: "lin-1", Tool: types.ToolUAC})

	if out.Kind != types.FailureCancelled {
		t.Fatalf("kind = %s, phase %s: %s", out.Kind, out.Phase, out.Detail)
	}
	// cleanup runs on its own context, untouched by the cancellation
	if sim.count("removeall") == 0 {
		t.Error("cleanup skipped on cancellation")
	}
	if _, rel := r.sessions.counts(); rel != 1 {
		t.Error("session not released on cancellation")
	}
}

func TestRunSessionExpiredSurfaces(t *testing.T) {
	sim := winHost()
	sim.failWith("mkdir", fmt.Errorf("%w: session sess-1 is expiring", session.ErrSessionExpired))
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseDeploy || out.Kind != types.FailureSession {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	evs := terminalEvents(t, r.sub)
	var sawExpiring bool
	for _, ev := range evs {
		if ev.Type == events.EventSessionExpiring {
			sawExpiring = true
		}
	}
	if !sawExpiring {
		t.Error("no session.expiring event published")
	}
}

func TestRunSessionAcquireFailure(t *testing.T) {
	sim := newHostSim()
	r := newRig(t, winTestHost(), sim, nil, newFakeStore(), fastConfig())
	r.sessions.acquireErr = &falcon.APIError{Kind: falcon.KindTransient, Status: 502, Endpoint: "sessions", Message: "bad gateway"}

	out := r.machine.Run(context.Background(), &types.Job{Hostname: "WIN-1", Tool: types.ToolKape})

	if out.Phase != types.PhaseDeploy || out.Kind != types.FailureSession {
		t.Fatalf("outcome = %s/%s: %s", out.Phase, out.Kind, out.Detail)
	}
	if sim.total() != 0 {
		t.Errorf("%d commands sent without a session", sim.total())
	}
	if _, rel := r.sessions.counts(); rel != 0 {
		t.Error("released a session that was never acquired")
	}
}
