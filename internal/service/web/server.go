package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || !passwordMatches(pass, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// passwordMatches accepts web_password either as plain text or as a bcrypt hash ("$2a$...").
func passwordMatches(configured, given string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

// agentAuthMiddleware requires "Authorization: Bearer <token>" when an agent token is configured.
func agentAuthMiddleware(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the HTTP API.
type Server struct {
	cfg        types.WebConf
	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(cfg types.WebConf, settingsManager *settings.SettingsManager, controller MonitorController, hub *Hub) *Server {
	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()

	auth := func(f http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(f, cfg.WebUser, cfg.WebPassword)
	}

	// --- 公开接口 ---
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("GET /api/status", handler.HandleStatus)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// --- 认证保护的 API ---
	mux.Handle("GET /api/protocols", auth(handler.HandleListProtocols))
	mux.Handle("POST /api/protocols", auth(handler.HandleAddProtocols))
	mux.Handle("DELETE /api/protocols/{id}", auth(handler.HandleRemoveProtocol))
	mux.Handle("POST /api/refresh", auth(handler.HandleRefreshAll))
	mux.Handle("POST /api/refresh/{id}", auth(handler.HandleRefreshOne))
	mux.Handle("GET /api/subscribers", auth(handler.HandleListSubscribers))
	mux.Handle("POST /api/subscribers", auth(handler.HandleSubscribe))
	mux.Handle("DELETE /api/subscribers/{id}", auth(handler.HandleUnsubscribe))
	mux.Handle("GET /api/settings", auth(handler.HandleGetSettings))
	mux.Handle("GET /api/settings/{module}", auth(handler.HandleGetModuleSettings))
	mux.Handle("POST /api/settings/{module}", auth(handler.HandleUpdateSettings))
	mux.Handle("GET /api/regions", auth(handler.HandleRegions))

	// --- 区域 agent ---
	mux.Handle("POST /api/report", agentAuthMiddleware(http.HandlerFunc(handler.HandleReport), cfg.AgentToken))

	return &Server{cfg: cfg, mux: mux}
}

// Handler exposes the routing table, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on web_port and serves in the background. A non-positive port disables the API.
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.WebPort <= 0 {
		logger.Info().Msg("[WebServer] HTTP API is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP API on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Msgf("HTTP API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error.")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
