package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"netsense/internal/bridge"
	"netsense/internal/capture"
	"netsense/internal/logger"
	"netsense/internal/protocol"
	"netsense/internal/rules"
	"netsense/internal/script"
	"netsense/pkg/model"
	"netsense/pkg/traffic"
)

// Requester 向后台发送查询
type Requester interface {
	Request(ctx context.Context, msg protocol.Message) (json.RawMessage, error)
}

// Installer 捕获脚本安装器
type Installer interface {
	EnsureInstalled(ctx context.Context) error
	Uninstall(ctx context.Context) error
}

// ScriptRunner 子路径脚本执行器
type ScriptRunner interface {
	Run(name, source string, c traffic.Capture) (script.Result, error)
}

// Config 匹配引擎依赖
type Config struct {
	Target     model.TargetID
	Background Requester
	Events     *bridge.Dispatcher
	Shim       Installer
	Scripts    ScriptRunner
	Logger     logger.Logger
	Sink       chan<- model.Event
	Timeout    time.Duration
}

// Engine 标签页内的匹配引擎：加载根站点的子路径规则并处理捕获事件
type Engine struct {
	cfg     Config
	log     logger.Logger
	startMu sync.Mutex

	mu       sync.RWMutex
	root     string
	rules    *rules.Set
	logging  bool
	listener bridge.ListenerID
	attached bool
}

// New 创建匹配引擎
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("target", string(cfg.Target)),
		rules: rules.New(nil),
	}
}

// Root 当前根站点
func (e *Engine) Root() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.root
}

// Subpaths 当前生效的子路径前缀
func (e *Engine) Subpaths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.Prefixes()
}

// Logging 本地日志开关
func (e *Engine) Logging() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logging
}

// SetLogging 设置本地日志开关
func (e *Engine) SetLogging(enabled bool) {
	e.mu.Lock()
	e.logging = enabled
	e.mu.Unlock()
	e.log.Info("本地日志开关已更新", "enabled", enabled)
}

// Attached 是否挂载了捕获监听器
func (e *Engine) Attached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attached
}

// Navigate 页面导航后切换根站点并重新加载规则
func (e *Engine) Navigate(ctx context.Context, pageURL string) error {
	e.mu.Lock()
	e.root = model.NormalizeOrigin(pageURL)
	e.mu.Unlock()
	return e.Start(ctx)
}

// Start 启动流程：根站点未被跟踪时不安装捕获脚本、不挂载监听器；
// 已跟踪时安装脚本并以唯一的新监听器替换旧监听器
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	root := e.Root()
	if root == "" {
		e.detach(ctx)
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	raw, err := e.cfg.Background.Request(qctx, protocol.OriginGet{Name: root})
	if err != nil {
		e.detach(ctx)
		return fmt.Errorf("query origin %s: %w", root, err)
	}
	var origin model.TrackedOrigin
	found, err := protocol.Unmarshal(raw, &origin)
	if err != nil || !found {
		if err != nil {
			e.log.Warn("站点查询应答无效", "root", root, "error", err.Error())
		}
		e.detach(ctx)
		e.log.Debug("站点未被跟踪，跳过注入", "root", root)
		return nil
	}

	if e.cfg.Shim != nil {
		if err := e.cfg.Shim.EnsureInstalled(ctx); err != nil {
			e.detach(ctx)
			return fmt.Errorf("install shim: %w", err)
		}
	}

	set := rules.New(origin.Subpaths)
	e.mu.Lock()
	e.rules = set
	if e.attached {
		e.cfg.Events.RemoveListener(e.listener)
	}
	e.listener = e.cfg.Events.AddListener(bridge.EventCaptured, e.onCaptured)
	e.attached = true
	e.mu.Unlock()

	e.log.Info("规则已加载", "root", root, "subpaths", set.Len())
	e.sendEvent(model.Event{Type: model.EventAttached, URL: root, Detail: fmt.Sprintf("%d", set.Len())})
	return nil
}

// Stop 移除监听器并清空规则
func (e *Engine) Stop() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	e.detach(ctx)
}

// detach 移除监听器并撤销捕获脚本，页面离开被跟踪站点后不再注入
func (e *Engine) detach(ctx context.Context) {
	e.mu.Lock()
	wasAttached := e.attached
	if e.attached {
		e.cfg.Events.RemoveListener(e.listener)
		e.attached = false
	}
	e.rules = rules.New(nil)
	root := e.root
	e.mu.Unlock()
	if e.cfg.Shim != nil {
		if err := e.cfg.Shim.Uninstall(ctx); err != nil {
			e.log.Warn("撤销捕获脚本失败", "root", root, "error", err.Error())
		}
	}
	if wasAttached {
		e.sendEvent(model.Event{Type: model.EventDetached, URL: root})
	}
}

func (e *Engine) onCaptured(ev bridge.Event) {
	c, err := capture.DecodeCapture(ev.Detail)
	if err != nil {
		e.log.Warn("捕获负载无效", "error", err.Error())
		return
	}
	go e.Handle(context.Background(), c)
}

// Handle 对一条捕获记录执行匹配：所有命中的子路径并发处理，单条规则失败不影响其他规则
func (e *Engine) Handle(ctx context.Context, c traffic.Capture) {
	e.mu.RLock()
	root := e.root
	set := e.rules
	local := e.logging
	e.mu.RUnlock()

	matched := set.Match(c.URL)
	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, prefix := range matched {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("规则处理异常", "rule", key, "panic", r)
				}
			}()
			e.handleRule(ctx, key, local, c)
		}(model.SubpathKey(root, prefix))
	}
	wg.Wait()
}

func (e *Engine) handleRule(ctx context.Context, key string, local bool, c traffic.Capture) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	raw, err := e.cfg.Background.Request(ctx, protocol.SubpathGet{Key: key})
	if err != nil {
		e.fail(key, c, "子路径查询失败", err)
		return
	}
	var rec model.TrackedSubpath
	found, err := protocol.Unmarshal(raw, &rec)
	if err != nil {
		e.fail(key, c, "子路径应答无效", err)
		return
	}
	if !found {
		return
	}
	e.sendEvent(model.Event{Type: model.EventMatched, URL: c.URL, Rule: key})

	if local || rec.Logging {
		payload, _ := json.Marshal(c)
		e.log.Info("捕获请求", "rule", key, "url", c.URL, "method", c.Method, "status", c.Status, "payload", string(payload))
		e.sendEvent(model.Event{Type: model.EventLogged, URL: c.URL, Rule: key})
	}

	if vetoed := e.runScripts(ctx, key, rec.Scripts, c); vetoed != "" {
		e.sendEvent(model.Event{Type: model.EventVetoed, URL: c.URL, Rule: key, Detail: vetoed})
		return
	}

	if len(rec.Endpoints) == 0 {
		return
	}
	raw, err = e.cfg.Background.Request(ctx, protocol.EndpointsTrigger{Payload: c, Endpoints: rec.Endpoints})
	if err == nil {
		err = protocol.ReplyError(raw)
	}
	if err != nil {
		e.fail(key, c, "转发请求失败", err)
		return
	}
	e.sendEvent(model.Event{Type: model.EventForwarded, URL: c.URL, Rule: key, Detail: fmt.Sprintf("%d", len(rec.Endpoints))})
}

// runScripts 依次执行关联脚本，返回否决转发的脚本名
func (e *Engine) runScripts(ctx context.Context, key string, names []string, c traffic.Capture) string {
	if e.cfg.Scripts == nil {
		return ""
	}
	for _, name := range names {
		raw, err := e.cfg.Background.Request(ctx, protocol.ScriptContent{Name: name})
		if err != nil {
			e.log.Warn("脚本查询失败", "rule", key, "script", name, "error", err.Error())
			continue
		}
		var source string
		found, err := protocol.Unmarshal(raw, &source)
		if err != nil || !found {
			continue
		}
		res, err := e.cfg.Scripts.Run(name, source, c)
		if err != nil {
			e.log.Warn("脚本执行失败", "rule", key, "script", name, "error", err.Error())
			continue
		}
		if res.Veto {
			e.log.Debug("脚本阻止转发", "rule", key, "script", name)
			return name
		}
	}
	return ""
}

func (e *Engine) fail(key string, c traffic.Capture, msg string, err error) {
	e.log.Warn(msg, "rule", key, "url", c.URL, "error", err.Error())
	e.sendEvent(model.Event{Type: model.EventFailed, URL: c.URL, Rule: key, Detail: err.Error()})
}

// Respond 标签页控制通道应答方
func (e *Engine) Respond(ctx context.Context, msg protocol.Message) (any, error) {
	switch m := msg.(type) {
	case protocol.Match:
		root := e.Root()
		return root != "" && root == model.NormalizeOrigin(m.Origin), nil
	case protocol.Reload:
		if err := e.Start(ctx); err != nil {
			return nil, err
		}
		return e.Subpaths(), nil
	case protocol.LoggingSet:
		e.SetLogging(m.Enabled)
		return m.Enabled, nil
	case protocol.LoggingGet:
		return e.Logging(), nil
	default:
		return nil, protocol.ErrInvalidRequest
	}
}

// sendEvent 非阻塞投递事件
func (e *Engine) sendEvent(evt model.Event) {
	if e.cfg.Sink == nil {
		return
	}
	evt.Target = e.cfg.Target
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	select {
	case e.cfg.Sink <- evt:
	default:
	}
}
