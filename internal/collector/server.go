package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

const (
	defaultPageSize = 100
	maxRequestBody  = 8 << 20
)

// ServerOptions 采集服务配置
type ServerOptions struct {
	// Addr 公开的上报地址，只接受创建会话和上传事件
	Addr string
	// AdminAddr 管理地址，提供查询、删除和实时订阅，不开放CORS；为空时不监听
	AdminAddr      string
	AllowedOrigins []string
	// Anonymise 为true时丢弃上报的用户信息
	Anonymise bool
	Logger    *slog.Logger
}

// Server 参考采集服务，上报和管理分别监听
type Server struct {
	router      *mux.Router
	adminRouter *mux.Router
	server      *http.Server
	admin       *http.Server
	repo        Repository
	live        *LiveHub
	ua          *UserAgentParser
	opts        ServerOptions
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 统计信息
	requestCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer 创建采集服务，广播循环随即启动
func NewServer(repo Repository, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:      mux.NewRouter(),
		adminRouter: mux.NewRouter(),
		repo:        repo,
		live:        NewLiveHub(opts.Logger),
		ua:          NewUserAgentParser(),
		opts:        opts,
		logger:      opts.Logger.With("component", "collector"),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	s.setupAdminRoutes()

	// 上报端点供任意页面上的代理调用，不携带凭据
	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:        opts.Addr,
		Handler:     c.Handler(s.router),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.admin = &http.Server{
		Addr:        opts.AdminAddr,
		Handler:     s.adminRouter,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.live.Run(ctx)
	}()

	return s
}

// setupRoutes 设置上报路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.createSessionHandler).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", s.appendEventsHandler).Methods("PUT")
}

// setupAdminRoutes 设置管理路由
func (s *Server) setupAdminRoutes() {
	s.adminRouter.Use(s.loggingMiddleware)

	s.adminRouter.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	api := s.adminRouter.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.deleteSessionHandler).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/events", s.getEventsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}/live", s.liveHandler).Methods("GET")
}

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap 供 http.ResponseController 和 websocket 升级找到底层连接
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// 中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requestCount.Add(1)
		s.logger.Debug("request",
			"method", r.Method,
			"uri", r.RequestURI,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
		"live_clients":   s.live.Subscribers(),
	})
}

// createSessionHandler 按ID upsert会话；无ID时分配新ID
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req session.Descriptor
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid session descriptor")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if s.opts.Anonymise {
		req.User = session.User{}
	} else if req.User.ID == "" {
		req.User.ID = uuid.NewString()
	}

	now := s.now().UTC()
	browser, platform, device := s.ua.Parse(r.UserAgent())
	rec := Session{
		Descriptor: req,
		UserAgent:  r.UserAgent(),
		Browser:    browser,
		OS:         platform,
		Device:     device,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := s.repo.SaveSession(r.Context(), rec)
	if err != nil {
		s.logger.Error("save session failed", "session_id", rec.ID, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", "Failed to save session")
		return
	}

	stored, err := s.repo.GetSession(r.Context(), rec.ID)
	if err != nil {
		stored = rec
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("session created", "session_id", rec.ID, "client_id", rec.ClientTag)
	}
	s.writeJSONResponse(w, status, stored)
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	query, err := ParseQuery(r.URL.Query().Get("q"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	sessions, err := s.repo.ListSessions(r.Context(), ListOptions{Offset: offset, Limit: limit, Query: query})
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", "Failed to list sessions")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, sessions)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.repo.GetSession(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, id, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, rec)
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.repo.DeleteSession(r.Context(), id); err != nil {
		s.writeRepoError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// appendEventsHandler 事件数组按顺序追加，不解析事件内容
func (s *Server) appendEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var batch []events.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&batch); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON array")
		return
	}

	if err := s.repo.AppendEvents(r.Context(), id, batch...); err != nil {
		s.writeRepoError(w, id, err)
		return
	}

	if len(batch) > 0 {
		s.live.Publish(id, batch)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	records, err := s.repo.Events(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, id, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, records)
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.repo.GetSession(r.Context(), id); err != nil {
		s.writeRepoError(w, id, err)
		return
	}
	s.live.Serve(s.ctx, w, r, id)
}

// 辅助方法
func (s *Server) writeRepoError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	s.logger.Error("repository error", "session_id", id, "error", err)
	s.writeErrorResponse(w, http.StatusInternalServerError, "storage_error", "Storage failure")
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.errorCount.Add(1)
	s.writeJSONResponse(w, statusCode, ErrorResponse{Code: code, Message: message})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Handler 上报处理器（带CORS），便于 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// AdminHandler 管理处理器
func (s *Server) AdminHandler() http.Handler {
	return s.admin.Handler
}

// Live 实时广播器
func (s *Server) Live() *LiveHub {
	return s.live
}

// Start 同时启动上报和管理两个监听，阻塞直到关闭；任一监听失败时关闭另一个
func (s *Server) Start() error {
	s.logger.Info("starting collector", "addr", s.server.Addr, "admin_addr", s.admin.Addr)

	g, ctx := errgroup.WithContext(s.ctx)
	serve := func(srv *http.Server) func() error {
		return func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
	g.Go(serve(s.server))
	if s.admin.Addr != "" {
		g.Go(serve(s.admin))
	} else {
		s.logger.Warn("admin address not set, admin API disabled")
	}
	g.Go(func() error {
		<-ctx.Done()
		s.server.Close()
		s.admin.Close()
		return nil
	})
	return g.Wait()
}

// Shutdown 停止接收请求并关闭实时连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping collector")
	err := errors.Join(s.server.Shutdown(ctx), s.admin.Shutdown(ctx))
	s.cancel()
	s.wg.Wait()
	return err
}
