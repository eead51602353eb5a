package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"imgpress/internal/batch"
	"imgpress/internal/config"
	"imgpress/internal/engine"
	"imgpress/internal/pool"
	"imgpress/internal/stats"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server is the local compression console: REST endpoints launch batch runs on
// local files and a websocket streams batch progress. Compressed outputs are
// written to local disk only; the socket never carries result payloads.
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	eng        *engine.Engine
	pool       *pool.Pool
	validate   *validator.Validate
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	cancelRun      context.CancelFunc
	currentStats   *stats.BatchStats
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CompressRequest struct {
	SourceDirectory string `json:"source_directory" validate:"required"`
	OutputDirectory string `json:"output_directory,omitempty"`
	TargetKB        int64  `json:"target_kb,omitempty" validate:"omitempty,min=1"`
	DryRun          bool   `json:"dry_run"`
}

type DirectoryInfo struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	IsDirectory  bool   `json:"is_directory"`
	Size         int64  `json:"size"`
	ModifiedTime string `json:"modified_time"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, eng *engine.Engine, p *pool.Pool) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		eng:       eng,
		pool:      p,
		validate:  validator.New(),
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/directories", s.handleListDirectories).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Main page
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting compression console on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.operationMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "web/templates/index.html")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	st := s.currentStats
	s.operationMutex.RUnlock()

	var statsData interface{}
	if st != nil {
		statsData = s.statsPayload(st)
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    running,
			"pool":       s.pool.Stats(),
			"statistics": statsData,
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	// Check if already running
	s.operationMutex.RLock()
	if s.isRunning {
		s.operationMutex.RUnlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	s.operationMutex.RUnlock()

	// Check if directory exists
	if _, err := os.Stat(req.SourceDirectory); os.IsNotExist(err) {
		s.writeError(w, "Source directory does not exist", http.StatusBadRequest)
		return
	}

	go s.runCompressAsync(req)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.isRunning = false
	s.operationMutex.Unlock()

	s.broadcastWSMessage("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopped",
	})
}

func (s *Server) handleListDirectories(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	// Security check - prevent directory traversal
	path = filepath.Clean(path)
	if strings.Contains(path, "..") {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read directory: %v", err), http.StatusInternalServerError)
		return
	}

	var directories []DirectoryInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		fullPath := filepath.Join(path, entry.Name())
		directories = append(directories, DirectoryInfo{
			Path:         fullPath,
			Name:         entry.Name(),
			IsDirectory:  entry.IsDir(),
			Size:         info.Size(),
			ModifiedTime: info.ModTime().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    directories,
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	st := s.currentStats
	s.operationMutex.RUnlock()

	if st == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.statsPayload(st),
	})
}

func (s *Server) statsPayload(st *stats.BatchStats) map[string]interface{} {
	return map[string]interface{}{
		"summary": st.GetSummary(),
		"items": map[string]interface{}{
			"found":     atomic.LoadInt64(&st.ItemsFound),
			"processed": atomic.LoadInt64(&st.ItemsProcessed),
			"succeeded": atomic.LoadInt64(&st.ItemsSucceeded),
			"failed":    atomic.LoadInt64(&st.ItemsFailed),
		},
		"failure_classes": st.GetFailureBreakdown(),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) runCompressAsync(req CompressRequest) {
	ctx, cancel := context.WithCancel(context.Background())

	s.operationMutex.Lock()
	s.isRunning = true
	s.cancelRun = cancel
	s.currentStats = stats.NewBatchStats()
	st := s.currentStats
	s.operationMutex.Unlock()

	defer func() {
		cancel()
		s.operationMutex.Lock()
		s.isRunning = false
		s.cancelRun = nil
		s.operationMutex.Unlock()
	}()

	s.broadcastWSMessage("compress_started", map[string]interface{}{
		"source_directory": req.SourceDirectory,
		"output_directory": req.OutputDirectory,
		"dry_run":          req.DryRun,
	})

	engCfg := s.cfg.EngineConfig()
	if req.TargetKB > 0 {
		engCfg.TargetBytes = req.TargetKB * 1024
	}

	files, err := batch.CollectFiles([]string{req.SourceDirectory}, s.cfg.SupportedExtensions)
	if err != nil {
		s.broadcastWSMessage("compress_error", map[string]interface{}{"error": err.Error()})
		return
	}
	items, err := batch.ReadItems(files)
	if err != nil {
		s.broadcastWSMessage("compress_error", map[string]interface{}{"error": err.Error()})
		return
	}
	for range items {
		st.IncrementItemsFound()
	}

	orch := batch.NewOrchestrator(s.eng, s.pool, s.log, s.cfg.BatchOptions())
	results := orch.ProcessBatch(ctx, items, engCfg, func(p batch.Progress) {
		s.broadcastWSMessage("compress_progress", p)
	})

	outDir := req.OutputDirectory
	if outDir == "" {
		outDir = s.cfg.OutputDirectory
	}
	for i, res := range results {
		st.RecordResult(res.Label, res.Result)
		if !res.Result.Success || req.DryRun {
			continue
		}
		if err := writeOutput(files[i], outDir, res.Result); err != nil {
			s.log.WithField("item", res.Label).Errorf("Failed to write output: %v", err)
		}
	}
	st.Finalize()

	s.broadcastWSMessage("compress_completed", map[string]interface{}{
		"statistics": st.GetSummary(),
		"errors":     st.GetErrorSummary(),
	})
}

// writeOutput stores one compressed result next to the source file, or under
// outDir when set.
func writeOutput(srcPath, outDir string, res engine.Result) error {
	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	name := fmt.Sprintf("%s.min.%dx%d%s", base, res.FinalWidth, res.FinalHeight, outputExt(res))
	dir := outDir
	if dir == "" {
		dir = filepath.Dir(srcPath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), res.Data, 0644)
}

func outputExt(res engine.Result) string {
	prefix := "data:image/"
	uri := res.DataURI
	if !strings.HasPrefix(uri, prefix) {
		return ".jpg"
	}
	rest := uri[len(prefix):]
	if idx := strings.IndexByte(rest, ';'); idx > 0 {
		switch rest[:idx] {
		case "jpeg":
			return ".jpg"
		default:
			return "." + rest[:idx]
		}
	}
	return ".jpg"
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()

	for conn := range s.wsClients {
		err := conn.WriteMessage(websocket.TextMessage, msgBytes)
		if err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			// Remove failed connection
			go func(c *websocket.Conn) {
				s.wsMutex.Lock()
				delete(s.wsClients, c)
				s.wsMutex.Unlock()
				c.Close()
			}(conn)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
