package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

// EventBatch 一次PUT收到的事件
type EventBatch struct {
	SessionID string
	Records   []events.Record
}

// FakeCollector 记录请求的假采集端，可切换失败
type FakeCollector struct {
	*httptest.Server

	mu           sync.Mutex
	sessionID    string
	registered   []session.Descriptor
	batches      []EventBatch
	failSessions bool
	failEvents   bool
}

// NewFakeCollector 创建假采集端，注册时返回 sessionID
func NewFakeCollector(t *testing.T, sessionID string) *FakeCollector {
	t.Helper()

	fc := &FakeCollector{sessionID: sessionID}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", fc.handleSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/events", fc.handleEvents)
	fc.Server = httptest.NewServer(mux)
	t.Cleanup(fc.Close)

	t.Logf("🚀 Fake collector started on %s", fc.URL)
	return fc
}

func (fc *FakeCollector) handleSession(w http.ResponseWriter, r *http.Request) {
	var d session.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fc.mu.Lock()
	fc.registered = append(fc.registered, d)
	fail := fc.failSessions
	fc.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if d.ID == "" {
		d.ID = fc.sessionID
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}

func (fc *FakeCollector) handleEvents(w http.ResponseWriter, r *http.Request) {
	var batch []events.Record
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fc.mu.Lock()
	fc.batches = append(fc.batches, EventBatch{SessionID: r.PathValue("id"), Records: batch})
	fail := fc.failEvents
	fc.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// FailSessions 切换注册请求是否失败
func (fc *FakeCollector) FailSessions(fail bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failSessions = fail
}

// FailEvents 切换事件上传是否失败
func (fc *FakeCollector) FailEvents(fail bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failEvents = fail
}

// Posts 收到的注册请求数
func (fc *FakeCollector) Posts() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.registered)
}

// Puts 收到的上传请求数
func (fc *FakeCollector) Puts() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.batches)
}

// Registered 收到的注册请求体副本
func (fc *FakeCollector) Registered() []session.Descriptor {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]session.Descriptor, len(fc.registered))
	for i, d := range fc.registered {
		out[i] = d.Clone()
	}
	return out
}

// Batches 收到的上传批次副本
func (fc *FakeCollector) Batches() []EventBatch {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]EventBatch(nil), fc.batches...)
}

// Client 指向假采集端的客户端
func (fc *FakeCollector) Client() *collector.Client {
	return collector.NewClient(fc.URL)
}

// CollectorServer 内存存储的参考采集服务，上报和管理各一个监听
type CollectorServer struct {
	*collector.Server
	HTTP  *httptest.Server
	Admin *httptest.Server
	Repo  *collector.MemoryRepository
}

// NewCollectorServer 在 httptest 上启动参考采集服务
func NewCollectorServer(t *testing.T, opts collector.ServerOptions) *CollectorServer {
	t.Helper()

	repo := collector.NewMemoryRepository()
	srv := collector.NewServer(repo, opts)
	ts := httptest.NewServer(srv.Handler())
	admin := httptest.NewServer(srv.AdminHandler())
	t.Cleanup(func() {
		ts.Close()
		admin.Close()
		srv.Shutdown(context.Background())
		t.Logf("🛑 Collector stopped")
	})

	t.Logf("✅ Collector started on %s (admin %s)", ts.URL, admin.URL)
	return &CollectorServer{Server: srv, HTTP: ts, Admin: admin, Repo: repo}
}

// Client 指向参考采集服务的客户端
func (cs *CollectorServer) Client() *collector.Client {
	return collector.NewClient(cs.HTTP.URL, collector.WithAdminURL(cs.Admin.URL))
}
