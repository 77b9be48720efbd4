package session

import (
	"context"
	"sync"

	"netsense/internal/bridge"
	"netsense/internal/logger"
	"netsense/internal/match"
	"netsense/pkg/model"
)

// Tab 一个标签页：页面事件目标、控制通道与匹配引擎
type Tab struct {
	ID     model.TargetID
	Local  bool
	Events *bridge.Dispatcher
	Port   *bridge.Port

	mu      sync.RWMutex
	url     string
	engine  *match.Engine
	cancel  context.CancelFunc
	closers []func()
	once    sync.Once
}

func newTab(id model.TargetID, pageURL string, local bool, buffer int, l logger.Logger) *Tab {
	l = l.With("tabId", string(id))
	return &Tab{
		ID:     id,
		Local:  local,
		url:    pageURL,
		Events: bridge.NewDispatcher(buffer, l),
		Port:   bridge.NewPort("tab:"+string(id), l),
	}
}

// Bind 绑定匹配引擎并开始应答控制通道
func (t *Tab) Bind(ctx context.Context, e *match.Engine) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.engine = e
	t.cancel = cancel
	t.mu.Unlock()
	go t.Port.Serve(ctx, e)
}

// Engine 当前匹配引擎
func (t *Tab) Engine() *match.Engine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.engine
}

// URL 当前页面地址
func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// SetURL 记录导航后的页面地址
func (t *Tab) SetURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// OnClose 注册关闭时执行的清理
func (t *Tab) OnClose(fn func()) {
	t.mu.Lock()
	t.closers = append(t.closers, fn)
	t.mu.Unlock()
}

// Info 标签页信息
func (t *Tab) Info() model.TargetInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := model.TargetInfo{
		ID:      t.ID,
		Type:    "page",
		URL:     t.url,
		Origin:  model.NormalizeOrigin(t.url),
		IsLocal: t.Local,
	}
	if t.engine != nil {
		info.Attached = t.engine.Attached()
	}
	return info
}

// Close 停止引擎并关闭通道，可重复调用
func (t *Tab) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		engine, cancel, closers := t.engine, t.cancel, t.closers
		t.mu.Unlock()

		if engine != nil {
			engine.Stop()
		}
		if cancel != nil {
			cancel()
		}
		t.Port.Close()
		t.Events.Close()
		for _, fn := range closers {
			fn()
		}
	})
}
