package session

import (
	"errors"
	"sort"
	"sync"

	"netsense/internal/logger"
	"netsense/pkg/model"
)

var (
	// ErrTabExists 标签页已注册
	ErrTabExists = errors.New("tab already exists")
	// ErrTabNotFound 标签页不存在
	ErrTabNotFound = errors.New("tab not found")
)

// Manager 标签页注册表
type Manager struct {
	mu     sync.RWMutex
	tabs   map[model.TargetID]*Tab
	buffer int
	log    logger.Logger
}

// NewManager 创建标签页注册表，buffer 为每个标签页事件队列的容量
func NewManager(buffer int, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		tabs:   make(map[model.TargetID]*Tab),
		buffer: buffer,
		log:    l,
	}
}

// Create 创建并注册标签页
func (m *Manager) Create(id model.TargetID, pageURL string, local bool) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tabs[id]; ok {
		return nil, ErrTabExists
	}
	t := newTab(id, pageURL, local, m.buffer, m.log)
	m.tabs[id] = t
	m.log.Info("创建标签页", "tabId", string(id), "url", pageURL, "local", local)
	return t, nil
}

// Get 获取标签页
func (m *Manager) Get(id model.TargetID) (*Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	return t, ok
}

// Delete 注销并关闭标签页
func (m *Manager) Delete(id model.TargetID) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	delete(m.tabs, id)
	m.mu.Unlock()

	if !ok {
		return ErrTabNotFound
	}
	t.Close()
	m.log.Info("关闭标签页", "tabId", string(id))
	return nil
}

// List 按ID排序返回所有标签页
func (m *Manager) List() []*Tab {
	m.mu.RLock()
	list := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		list = append(list, t)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Close 关闭所有标签页
func (m *Manager) Close() {
	for _, t := range m.List() {
		_ = m.Delete(t.ID)
	}
}
