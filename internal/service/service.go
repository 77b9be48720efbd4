package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netsense/internal/bridge"
	"netsense/internal/capture"
	"netsense/internal/cdp"
	"netsense/internal/config"
	"netsense/internal/dispatch"
	"netsense/internal/integrity"
	"netsense/internal/logger"
	"netsense/internal/match"
	"netsense/internal/protocol"
	"netsense/internal/script"
	"netsense/internal/session"
	"netsense/internal/storage"
	"netsense/pkg/model"
)

var (
	// ErrNoBrowser 未配置浏览器调试地址
	ErrNoBrowser = errors.New("browser devtools url not configured")
	// ErrClosed 服务已关闭
	ErrClosed = errors.New("service closed")
)

// Option 服务可选依赖
type Option func(*Service)

// WithNotifier 替换篡改通知发送方
func WithNotifier(n integrity.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithHTTPClient 替换转发使用的 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// Service 组装后台、标签页与浏览器连接
type Service struct {
	cfg        *config.Config
	log        logger.Logger
	notifier   integrity.Notifier
	httpClient *http.Client

	store      *storage.Gateway
	guard      *integrity.Guard
	relay      *dispatch.Relay
	background *bridge.Port
	watcher    *integrity.Watcher
	tabs       *session.Manager
	browser    *cdp.Manager
	scripts    *script.Runner

	sink   chan model.Event
	subsMu sync.Mutex
	subs   map[chan model.Event]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 按顺序启动：打开存储、写入所有者联系方式、完整性检查、开始应答后台通道、文件监听、浏览器附加
func New(ctx context.Context, cfg *config.Config, l logger.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		log:    l,
		tabs:   session.NewManager(cfg.Browser.EventBuffer, l),
		sink:   make(chan model.Event, max(cfg.Browser.EventBuffer, 16)),
		subs:   make(map[chan model.Event]struct{}),
		ctx:    sctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := storage.Open(cfg.Sqlite, l)
	if err != nil {
		cancel()
		return nil, err
	}
	s.store = storage.NewGateway(db, l)

	if err := s.seedOwnerContact(ctx); err != nil {
		s.log.Warn("写入所有者联系方式失败", "error", err.Error())
	}

	s.guard = integrity.NewGuard(s.store, integrity.Options{
		StoreLabel:   cfg.Sqlite.Dsn,
		MarkerPath:   markerPath(cfg),
		OwnerContact: cfg.Integrity.OwnerContact,
		Template:     cfg.Integrity.Template,
	}, s.notifier, l)
	s.guard.OnTamper(s.onTamper)
	if _, err := s.guard.Check(ctx); err != nil {
		_ = s.store.Close()
		cancel()
		return nil, err
	}

	s.relay = dispatch.NewRelay(s.store, s.guard, cfg.Dispatch, s.httpClient, l)
	s.background = bridge.NewPort("background", l)
	go s.background.Serve(s.ctx, s.relay)

	s.scripts = script.NewRunner(0, l)

	s.wg.Add(1)
	go s.broadcast()

	if cfg.Integrity.Watch {
		w, err := integrity.NewWatcher(dbFile(cfg.Sqlite.Dsn), time.Duration(cfg.Integrity.WatchDebounceMS)*time.Millisecond, l, s.recheck)
		if err != nil {
			s.log.Warn("存储文件监听启动失败", "error", err.Error())
		} else {
			s.watcher = w
			w.Start()
		}
	}

	if cfg.Browser.DevToolsURL != "" {
		s.browser = cdp.New(cfg.Browser.DevToolsURL, l)
		if cfg.Browser.AutoAttach {
			if _, err := s.AttachBrowser(ctx, ""); err != nil {
				s.log.Warn("自动附加浏览器失败", "error", err.Error())
			}
		}
	}

	s.log.Info("服务已启动", "state", string(s.guard.State().Phase))
	return s, nil
}

func dbFile(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func markerPath(cfg *config.Config) string {
	name := cfg.Integrity.MarkerFile
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(dbFile(cfg.Sqlite.Dsn)), name)
}

func (s *Service) seedOwnerContact(ctx context.Context) error {
	contact := s.cfg.Integrity.OwnerContact
	if contact == "" {
		return nil
	}
	_, ok, err := s.store.Setting(ctx, storage.SettingKeyOwnerContact)
	if err != nil || ok {
		return err
	}
	return s.store.SetSetting(ctx, storage.SettingKeyOwnerContact, contact)
}

func (s *Service) recheck() {
	if _, err := s.guard.Check(s.ctx); err != nil {
		s.log.Warn("完整性检查失败", "error", err.Error())
	}
}

// onTamper 运行期间检测到篡改：通知所有标签页重新加载，规则查询将返回空从而卸载监听器
func (s *Service) onTamper() {
	s.publish(model.Event{Type: model.EventTampered, Detail: s.cfg.Sqlite.Dsn})
	go s.reloadTabs()
}

func (s *Service) reloadTabs() {
	for _, t := range s.tabs.List() {
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
		if _, err := t.Port.Request(ctx, protocol.Reload{}); err != nil {
			s.log.Warn("标签页重新加载失败", "tabId", string(t.ID), "error", err.Error())
		}
		cancel()
	}
}

func (s *Service) requestTimeout() time.Duration {
	if s.cfg.Control.RequestTimeoutMS > 0 {
		return time.Duration(s.cfg.Control.RequestTimeoutMS) * time.Millisecond
	}
	return 5 * time.Second
}

// Call 弹窗向后台发送消息信封
func (s *Service) Call(ctx context.Context, envelope []byte) (json.RawMessage, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return s.background.RequestRaw(ctx, envelope)
}

// TabCall 弹窗向标签页发送消息信封
func (s *Service) TabCall(ctx context.Context, id model.TargetID, envelope []byte) (json.RawMessage, error) {
	t, ok := s.tabs.Get(id)
	if !ok {
		return nil, session.ErrTabNotFound
	}
	return t.Port.RequestRaw(ctx, envelope)
}

// newTab 注册标签页并绑定匹配引擎
func (s *Service) newTab(id model.TargetID, pageURL string, local bool, shim match.Installer) (*session.Tab, *match.Engine, error) {
	t, err := s.tabs.Create(id, pageURL, local)
	if err != nil {
		return nil, nil, err
	}
	engine := match.New(match.Config{
		Target:     id,
		Background: s.background,
		Events:     t.Events,
		Shim:       shim,
		Scripts:    s.scripts,
		Logger:     s.log,
		Sink:       s.sink,
		Timeout:    s.requestTimeout(),
	})
	t.Bind(s.ctx, engine)
	return t, engine, nil
}

// OpenLocalTab 打开进程内页面：返回的 HTTP 客户端发出的请求会被该页面捕获
func (s *Service) OpenLocalTab(ctx context.Context, pageURL string) (model.TargetInfo, *http.Client, error) {
	if s.ctx.Err() != nil {
		return model.TargetInfo{}, nil, ErrClosed
	}
	id := model.TargetID("local-" + uuid.NewString())
	client := &http.Client{}
	var t *session.Tab
	shim := capture.NewClientShim(client, emitterFunc(func(ev bridge.Event) { t.Events.Emit(ev) }), s.cfg.Browser.BodySizeThreshold, s.log)

	t, engine, err := s.newTab(id, pageURL, true, shim)
	if err != nil {
		return model.TargetInfo{}, nil, err
	}
	if err := engine.Navigate(ctx, pageURL); err != nil {
		_ = s.tabs.Delete(id)
		return model.TargetInfo{}, nil, err
	}
	return t.Info(), client, nil
}

type emitterFunc func(ev bridge.Event)

func (f emitterFunc) Emit(ev bridge.Event) { f(ev) }

// ListTargets 列出浏览器中的页面
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	if s.browser == nil {
		return nil, ErrNoBrowser
	}
	return s.browser.ListTargets(ctx)
}

// AttachBrowser 附加浏览器页面并按当前地址加载规则；target 为空时附加第一个页面
func (s *Service) AttachBrowser(ctx context.Context, target model.TargetID) (model.TargetInfo, error) {
	if s.browser == nil {
		return model.TargetInfo{}, ErrNoBrowser
	}
	page, err := s.browser.Attach(ctx, target)
	if err != nil {
		return model.TargetInfo{}, err
	}
	info := page.Info()

	t, engine, err := s.newTab(info.ID, info.URL, false, capture.NewShim(page, s.log))
	if err != nil {
		_ = s.browser.Detach(info.ID)
		return model.TargetInfo{}, err
	}
	t.OnClose(func() { _ = s.browser.Detach(info.ID) })

	if err := page.Listen(&pageHandler{tab: t, log: s.log}); err != nil {
		_ = s.tabs.Delete(info.ID)
		return model.TargetInfo{}, err
	}
	if err := engine.Navigate(ctx, info.URL); err != nil {
		s.log.Warn("加载页面规则失败", "tabId", string(info.ID), "error", err.Error())
	}
	return t.Info(), nil
}

// pageHandler 将浏览器页面事件转交给标签页
type pageHandler struct {
	tab *session.Tab
	log logger.Logger
}

func (h *pageHandler) OnCapture(payload []byte) {
	h.tab.Events.Emit(bridge.Event{Name: bridge.EventCaptured, Detail: payload})
}

func (h *pageHandler) OnNavigate(ctx context.Context, url string) {
	h.tab.SetURL(url)
	if err := h.tab.Engine().Navigate(ctx, url); err != nil {
		h.log.Warn("导航后加载规则失败", "tabId", string(h.tab.ID), "error", err.Error())
	}
}

// ListTabs 所有标签页
func (s *Service) ListTabs() []model.TargetInfo {
	tabs := s.tabs.List()
	out := make([]model.TargetInfo, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, t.Info())
	}
	return out
}

// CloseTab 关闭标签页
func (s *Service) CloseTab(id model.TargetID) error {
	return s.tabs.Delete(id)
}

// State 后台状态
func (s *Service) State() model.State {
	return s.guard.State()
}

// Events 订阅实时事件，上下文结束时取消订阅并关闭通道
func (s *Service) Events(ctx context.Context) <-chan model.Event {
	ch := make(chan model.Event, 64)
	s.subsMu.Lock()
	if s.ctx.Err() != nil {
		s.subsMu.Unlock()
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.unsubscribe(ch)
	}()
	return ch
}

func (s *Service) unsubscribe(ch chan model.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Service) publish(evt model.Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	select {
	case s.sink <- evt:
	default:
	}
}

// broadcast 将事件分发给所有订阅者，订阅者来不及接收时丢弃
func (s *Service) broadcast() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.sink:
			s.subsMu.Lock()
			for ch := range s.subs {
				select {
				case ch <- evt:
				default:
				}
			}
			s.subsMu.Unlock()
		}
	}
}

// Close 关闭所有标签页、浏览器连接与存储
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.tabs.Close()
		if s.browser != nil {
			s.browser.Close()
		}
		s.cancel()
		s.background.Close()
		s.wg.Wait()
		if s.relay != nil {
			s.relay.Wait()
		}

		s.subsMu.Lock()
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
		s.subsMu.Unlock()

		if cerr := s.store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
		s.log.Info("服务已关闭")
	})
	return err
}
