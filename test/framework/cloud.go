package framework

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeCloud is an in-process stand-in for the RTR cloud API: OAuth2
// token grants, host discovery, session lifecycle, command dispatch,
// staged file retrieval and the put-file library. Commands are routed
// to each simulated host's HostBehavior, so the client under test
// speaks the real wire protocol end to end.
type FakeCloud struct {
	mu           sync.Mutex
	srv          *httptest.Server
	tokens       int
	hits         map[string]int
	hosts        map[string]*simHost // keyed by lowercase hostname
	sessions     map[string]string   // session ID -> agent ID
	results      map[string]Response // cloud request ID -> command result
	staged       map[string][]stagedFile
	uploaded     map[string]bool // put-file names uploaded this run
	libraryEmpty bool
	putUploads   int
	nextSession  int
	nextRequest  int
	nextFile     int
	opened       int
	deleted      int
	pulses       int
}

type simHost struct {
	aid       string
	cid       string
	hostname  string
	platform  string
	osVersion string
	state     string
	lastSeen  time.Time
	behavior  *HostBehavior
	artifacts map[string][]byte // archive base name -> payload
}

type stagedFile struct {
	id      string
	name    string
	sha     string
	payload []byte
}

// NewFakeCloud starts the fake on a loopback listener.
func NewFakeCloud() *FakeCloud {
	c := &FakeCloud{
		hits:     map[string]int{},
		hosts:    map[string]*simHost{},
		sessions: map[string]string{},
		results:  map[string]Response{},
		staged:   map[string][]stagedFile{},
		uploaded: map[string]bool{},
	}
	c.srv = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

// URL is the base URL clients should be pointed at.
func (c *FakeCloud) URL() string { return c.srv.URL }

// Close shuts the listener down.
func (c *FakeCloud) Close() { c.srv.Close() }

// AddWindowsHost registers an online Windows host whose KAPE run
// produces the payload: the behavior answers the hash probe with the
// payload's digest, walks the canonical listing sequence, and the
// archive is staged with the payload bytes when fetched. The behavior
// is returned for per-test overrides.
func (c *FakeCloud) AddWindowsHost(hostname string, payload []byte) *HostBehavior {
	b := WindowsBehavior()
	b.Respond("sha256", HashOf(payload))
	b.ListSequence(KapeListings(hostname, int64(len(payload)))...)
	c.addHost(&simHost{
		aid:       "aid-" + strings.ToLower(hostname),
		cid:       "cid-1",
		hostname:  hostname,
		platform:  "Windows",
		osVersion: "Windows Server 2019",
		state:     "online",
		lastSeen:  time.Now().UTC(),
		behavior:  b,
		artifacts: map[string][]byte{KapeArchiveName(hostname): payload},
	})
	return b
}

// AddLinuxHost registers an online Linux host whose UAC run produces
// the payload. The exit sentinel reports a clean run immediately, the
// way a finished tool leaves it.
func (c *FakeCloud) AddLinuxHost(hostname string, payload []byte) *HostBehavior {
	b := LinuxBehavior()
	b.Respond("sha256", HashOf(payload))
	b.Respond("stat", "EXISTS 2")
	b.On("tail", func(_ int, command string) Response {
		if strings.Contains(command, "uac_exit_code") {
			return Response{Stdout: "0\n"}
		}
		return Response{}
	})
	b.ListSequence(UACListings(hostname, int64(len(payload)))...)
	c.addHost(&simHost{
		aid:       "aid-" + strings.ToLower(hostname),
		cid:       "cid-1",
		hostname:  hostname,
		platform:  "Linux",
		osVersion: "Ubuntu 22.04",
		state:     "online",
		lastSeen:  time.Now().UTC(),
		behavior:  b,
		artifacts: map[string][]byte{UACArchiveName(hostname): payload},
	})
	return b
}

// AddOfflineHost registers a host discovery can resolve but no session
// can reach.
func (c *FakeCloud) AddOfflineHost(hostname, platformName string) {
	c.addHost(&simHost{
		aid:       "aid-" + strings.ToLower(hostname),
		cid:       "cid-1",
		hostname:  hostname,
		platform:  platformName,
		osVersion: "unknown",
		state:     "offline",
		lastSeen:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		behavior:  NewHostBehavior(),
	})
}

func (c *FakeCloud) addHost(h *simHost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[strings.ToLower(h.hostname)] = h
}

// SetLibraryEmpty makes the put-file library report payloads missing
// until the client uploads them.
func (c *FakeCloud) SetLibraryEmpty(empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.libraryEmpty = empty
}

// Tokens reports how many OAuth2 grants were issued.
func (c *FakeCloud) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// SessionsOpened reports how many sessions were initialized.
func (c *FakeCloud) SessionsOpened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// SessionsDeleted reports how many sessions were torn down.
func (c *FakeCloud) SessionsDeleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// Pulses reports how many keep-alive refreshes arrived.
func (c *FakeCloud) Pulses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pulses
}

// ToolUploads reports how many payloads were uploaded to the library.
func (c *FakeCloud) ToolUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putUploads
}

// Hits reports how many requests reached the endpoint path.
func (c *FakeCloud) Hits(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func isCommandPath(path string) bool {
	switch path {
	case "/real-time-response/entities/command/v1",
		"/real-time-response/entities/active-responder-command/v1",
		"/real-time-response/entities/admin-command/v1":
		return true
	}
	return false
}

func (c *FakeCloud) handle(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.hits[r.URL.Path]++
	c.mu.Unlock()

	switch {
	case r.URL.Path == "/oauth2/token":
		c.mu.Lock()
		c.tokens++
		n := c.tokens
		c.mu.Unlock()
		writeCloudJSON(w, map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   1800,
		})

	case r.URL.Path == "/discover/queries/hosts/v1":
		c.queryHosts(w, r)

	case r.URL.Path == "/discover/entities/hosts/GET/v1":
		c.hostDetails(w, r)

	case r.URL.Path == "/real-time-response/entities/sessions/v1" && r.Method == http.MethodPost:
		c.initSession(w, r)

	case r.URL.Path == "/real-time-response/entities/sessions/v1" && r.Method == http.MethodDelete:
		c.deleteSession(w, r)

	case r.URL.Path == "/real-time-response/entities/refresh-session/v1":
		c.mu.Lock()
		c.pulses++
		c.mu.Unlock()
		writeCloudJSON(w, map[string]any{})

	case isCommandPath(r.URL.Path) && r.Method == http.MethodPost:
		c.submitCommand(w, r)

	case isCommandPath(r.URL.Path) && r.Method == http.MethodGet:
		c.commandStatus(w, r)

	case r.URL.Path == "/real-time-response/entities/file/v2":
		c.listSessionFiles(w, r)

	case r.URL.Path == "/real-time-response/entities/extracted-file-contents/v1":
		c.extractedFile(w, r)

	case r.URL.Path == "/real-time-response/queries/put-files/v1":
		c.queryPutFiles(w, r)

	case r.URL.Path == "/real-time-response/entities/put-files/v1" && r.Method == http.MethodPost:
		c.uploadPutFile(w, r)

	default:
		writeCloudError(w, http.StatusNotFound, "no handler for "+r.Method+" "+r.URL.Path)
	}
}

// queryHosts answers the discovery FQL query. The filter arrives as
// hostname:*'*NAME*'; matching is a case-insensitive substring scan,
// which is how the real search behaves.
func (c *FakeCloud) queryHosts(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	needle := strings.TrimSuffix(strings.TrimPrefix(filter, "hostname:*'*"), "*'")
	needle = strings.ToLower(needle)

	c.mu.Lock()
	var aids []string
	for _, h := range c.hosts {
		if strings.Contains(strings.ToLower(h.hostname), needle) {
			aids = append(aids, h.aid)
		}
	}
	c.mu.Unlock()
	if aids == nil {
		aids = []string{}
	}
	writeCloudJSON(w, map[string]any{"resources": aids})
}

func (c *FakeCloud) hostDetails(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCloudError(w, http.StatusBadRequest, "bad details request: "+err.Error())
		return
	}
	want := map[string]bool{}
	for _, id := range req.IDs {
		want[id] = true
	}

	c.mu.Lock()
	var resources []map[string]any
	for _, h := range c.hosts {
		if !want[h.aid] {
			continue
		}
		resources = append(resources, map[string]any{
			"id":                  h.aid,
			"cid":                 h.cid,
			"hostname":            h.hostname,
			"platform_name":       h.platform,
			"os_version":          h.osVersion,
			"last_seen_timestamp": h.lastSeen.Format(time.RFC3339),
			"state":               h.state,
		})
	}
	c.mu.Unlock()
	writeCloudJSON(w, map[string]any{"resources": resources})
}

func (c *FakeCloud) initSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCloudError(w, http.StatusBadRequest, "bad session request: "+err.Error())
		return
	}

	c.mu.Lock()
	var found *simHost
	for _, h := range c.hosts {
		if h.aid == req.DeviceID {
			found = h
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		writeCloudError(w, http.StatusNotFound, "no device "+req.DeviceID)
		return
	}
	if found.state != "online" {
		c.mu.Unlock()
		writeCloudError(w, http.StatusBadRequest, "device "+req.DeviceID+" is not connected")
		return
	}
	c.nextSession++
	id := fmt.Sprintf("sess-%d", c.nextSession)
	c.sessions[id] = req.DeviceID
	c.opened++
	c.mu.Unlock()

	writeCloudJSON(w, map[string]any{
		"resources": []map[string]any{{"session_id": id}},
	})
}

func (c *FakeCloud) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	c.mu.Lock()
	_, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
		delete(c.staged, id)
		c.deleted++
	}
	c.mu.Unlock()
	if !ok {
		writeCloudError(w, http.StatusNotFound, "no session "+id)
		return
	}
	writeCloudJSON(w, map[string]any{})
}

func (c *FakeCloud) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string `json:"session_id"`
		BaseCommand   string `json:"base_command"`
		CommandString string `json:"command_string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCloudError(w, http.StatusBadRequest, "bad command request: "+err.Error())
		return
	}

	c.mu.Lock()
	host := c.hostForSession(req.SessionID)
	c.mu.Unlock()
	if host == nil {
		writeCloudError(w, http.StatusNotFound, "no session "+req.SessionID)
		return
	}

	// Dispatch outside the cloud lock: handlers are test code and may
	// block or call back into the cloud's counters.
	resp := host.behavior.dispatch(req.BaseCommand, req.CommandString)
	if resp.HTTPStatus >= 400 {
		writeCloudError(w, resp.HTTPStatus, "command rejected")
		return
	}

	c.mu.Lock()
	c.nextRequest++
	id := fmt.Sprintf("req-%d", c.nextRequest)
	c.results[id] = resp
	if req.BaseCommand == "get" {
		c.stageFile(req.SessionID, host, req.CommandString)
	}
	c.mu.Unlock()

	writeCloudJSON(w, map[string]any{
		"resources": []map[string]any{{"cloud_request_id": id}},
	})
}

// stageFile simulates the agent extracting a fetched file into the
// session. The archive bytes land immediately, so the first file list
// poll already sees them. Callers hold c.mu.
func (c *FakeCloud) stageFile(sessionID string, h *simHost, command string) {
	path := strings.Trim(strings.TrimPrefix(command, "get "), `'" `)
	base := path
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		base = path[i+1:]
	}
	payload, ok := h.artifacts[base]
	if !ok {
		return // nothing staged; the fetch poller will time out
	}
	sum := sha256.Sum256(payload)
	c.nextFile++
	c.staged[sessionID] = append(c.staged[sessionID], stagedFile{
		id:      fmt.Sprintf("file-%d", c.nextFile),
		name:    base,
		sha:     hex.EncodeToString(sum[:]),
		payload: payload,
	})
}

// hostForSession resolves a session to its simulated host. Callers
// hold c.mu.
func (c *FakeCloud) hostForSession(sessionID string) *simHost {
	aid, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	for _, h := range c.hosts {
		if h.aid == aid {
			return h
		}
	}
	return nil
}

func (c *FakeCloud) commandStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cloud_request_id")
	c.mu.Lock()
	resp, ok := c.results[id]
	c.mu.Unlock()
	if !ok {
		writeCloudError(w, http.StatusNotFound, "no request "+id)
		return
	}
	writeCloudJSON(w, map[string]any{
		"resources": []map[string]any{{
			"complete":    true,
			"stdout":      resp.Stdout,
			"stderr":      resp.Stderr,
			"return_code": resp.ReturnCode,
		}},
	})
}

func (c *FakeCloud) listSessionFiles(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	c.mu.Lock()
	files := c.staged[id]
	resources := make([]map[string]any, 0, len(files))
	for _, f := range files {
		resources = append(resources, map[string]any{
			"id":     f.id,
			"name":   f.name,
			"sha256": f.sha,
			"size":   len(f.payload),
		})
	}
	c.mu.Unlock()
	writeCloudJSON(w, map[string]any{"resources": resources})
}

func (c *FakeCloud) extractedFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("session_id")
	sha := q.Get("sha256")

	c.mu.Lock()
	var payload []byte
	var ok bool
	for _, f := range c.staged[id] {
		if f.sha == sha {
			payload, ok = f.payload, true
			break
		}
	}
	c.mu.Unlock()
	if !ok {
		writeCloudError(w, http.StatusNotFound, "no staged file "+sha)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	_, _ = w.Write(payload)
}

func (c *FakeCloud) queryPutFiles(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	name := strings.TrimSuffix(strings.TrimPrefix(filter, "name:'"), "'")

	c.mu.Lock()
	present := !c.libraryEmpty || c.uploaded[name]
	c.mu.Unlock()

	resources := []string{}
	if present {
		resources = append(resources, "pf-1")
	}
	writeCloudJSON(w, map[string]any{"resources": resources})
}

func (c *FakeCloud) uploadPutFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeCloudError(w, http.StatusBadRequest, "bad upload: "+err.Error())
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeCloudError(w, http.StatusBadRequest, "upload without a name")
		return
	}
	c.mu.Lock()
	c.uploaded[name] = true
	c.putUploads++
	c.mu.Unlock()
	writeCloudJSON(w, map[string]any{})
}

func writeCloudJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeCloudError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{{"code": status, "message": msg}},
	})
}
