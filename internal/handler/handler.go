package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"netsense/internal/cdp"
	"netsense/internal/logger"
	"netsense/internal/protocol"
	"netsense/internal/service"
	"netsense/internal/session"
	"netsense/pkg/api"
	"netsense/pkg/model"
)

const maxEnvelopeSize = 8 << 20

var errForbiddenOrigin = errors.New("origin not allowed")

// Handler 弹窗控制接口
type Handler struct {
	svc      api.Service
	timeout  time.Duration
	origins  map[string]struct{}
	upgrader websocket.Upgrader
	log      logger.Logger
}

// Option 控制接口选项
type Option func(*Handler)

// WithAllowedOrigins 允许指定来源跨源访问，如弹窗扩展的 chrome-extension://<id>
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/"); o != "" {
				h.origins[o] = struct{}{}
			}
		}
	}
}

// New 创建控制接口，timeout 为单次控制通道请求的超时
func New(svc api.Service, timeout time.Duration, l logger.Logger, opts ...Option) *Handler {
	if l == nil {
		l = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &Handler{
		svc:     svc,
		timeout: timeout,
		origins: make(map[string]struct{}),
		log:     l.With("component", "control"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.allowOrigin}
	return h
}

// Router 构建路由
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.checkOrigin)

	r.Get("/state", h.handleState)
	r.With(middleware.AllowContentType("application/json")).Post("/rpc", h.handleRPC)
	r.Get("/events", h.handleEvents)

	r.Route("/tabs", func(r chi.Router) {
		r.Get("/", h.handleListTabs)
		r.With(middleware.AllowContentType("application/json")).Post("/{tabID}/rpc", h.handleTabRPC)
		r.Delete("/{tabID}", h.handleCloseTab)
	})

	r.Route("/browser", func(r chi.Router) {
		r.Get("/targets", h.handleListTargets)
		r.Post("/attach", h.handleAttach)
	})
	return r
}

func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.State())
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	env, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	raw, err := h.svc.Call(ctx, env)
	h.writeReply(w, r, raw, err)
}

func (h *Handler) handleTabRPC(w http.ResponseWriter, r *http.Request) {
	env, ok := h.readEnvelope(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := model.TargetID(chi.URLParam(r, "tabID"))
	raw, err := h.svc.TabCall(ctx, id, env)
	h.writeReply(w, r, raw, err)
}

func (h *Handler) handleListTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListTabs())
}

func (h *Handler) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseTab(model.TargetID(chi.URLParam(r, "tabID"))); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTargets(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListTargets(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.AttachBrowser(r.Context(), model.TargetID(r.URL.Query().Get("target")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleEvents 以 websocket 推送实时事件
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.svc.Events(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket 升级失败", "error", err.Error())
		return
	}
	defer conn.Close()

	// 读循环只用于感知对端关闭
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.timeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.log.Debug("事件推送结束", "error", err.Error())
				return
			}
		}
	}
}

// checkOrigin 拒绝来自非同源且未被允许的浏览器页面的请求
func (h *Handler) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.allowOrigin(r) {
			h.log.Warn("拒绝跨源请求", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			writeError(w, http.StatusForbidden, errForbiddenOrigin)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin 无 Origin 头的请求来自非浏览器客户端，直接允许
func (h *Handler) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := h.origins[strings.TrimRight(strings.ToLower(origin), "/")]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// readEnvelope 读取并校验消息信封，无效时应答 400
func (h *Handler) readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if _, err := protocol.Decode(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return body, true
}

func (h *Handler) writeReply(w http.ResponseWriter, r *http.Request, raw json.RawMessage, err error) {
	if err != nil {
		h.log.Warn("控制通道请求失败", "requestId", middleware.GetReqID(r.Context()), "error", err.Error())
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrTabNotFound), errors.Is(err, cdp.ErrNoTarget):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoBrowser):
		return http.StatusServiceUnavailable
	case errors.Is(err, cdp.ErrAttached):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorReply{Error: err.Error()})
}
