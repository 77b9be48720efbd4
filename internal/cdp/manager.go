package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"

	adapter "netsense/internal/adapter/cdp"
	"netsense/internal/logger"
	"netsense/pkg/model"
)

var (
	// ErrNoTarget 没有可附加的页面
	ErrNoTarget = errors.New("no page target")
	// ErrAttached 页面已附加
	ErrAttached = errors.New("target already attached")
)

// Handler 页面事件处理方
type Handler interface {
	OnCapture(payload []byte)
	OnNavigate(ctx context.Context, url string)
}

// Manager 浏览器连接管理：列出页面、附加与分离
type Manager struct {
	devtoolsURL string
	mu          sync.Mutex
	pages       map[model.TargetID]*Page
	log         logger.Logger
}

// New 创建浏览器连接管理器
func New(devtoolsURL string, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		devtoolsURL: devtoolsURL,
		pages:       make(map[model.TargetID]*Page),
		log:         l.With("component", "cdp"),
	}
}

// ListTargets 列出浏览器中的页面
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return adapter.ToPageInfos(targets), nil
}

// Attach 附加到页面并启用 Page、Runtime 域；id 为空时附加第一个页面
func (m *Manager) Attach(ctx context.Context, id model.TargetID) (*Page, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	sel := adapter.SelectPage(targets, id)
	if sel == nil {
		return nil, ErrNoTarget
	}
	info := adapter.ToTargetInfo(sel)

	m.mu.Lock()
	if _, ok := m.pages[info.ID]; ok {
		m.mu.Unlock()
		return nil, ErrAttached
	}
	m.mu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", info.ID, err)
	}
	p := newPage(info, conn, cdp.NewClient(conn), m.log)
	if err := p.enable(ctx); err != nil {
		_ = p.close()
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.pages[info.ID]; ok {
		m.mu.Unlock()
		_ = p.close()
		return nil, ErrAttached
	}
	m.pages[info.ID] = p
	m.mu.Unlock()

	m.log.Info("已附加页面", "tabId", string(info.ID), "url", info.URL)
	return p, nil
}

// Detach 分离页面
func (m *Manager) Detach(id model.TargetID) error {
	m.mu.Lock()
	p, ok := m.pages[id]
	delete(m.pages, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Info("已分离页面", "tabId", string(id))
	return p.close()
}

// Attached 已附加的页面ID
func (m *Manager) Attached() []model.TargetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.TargetID, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	return ids
}

// Close 分离所有页面
func (m *Manager) Close() {
	for _, id := range m.Attached() {
		_ = m.Detach(id)
	}
}
