package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/nlopes/slack"

	"netsense/internal/logger"
	"netsense/internal/storage"
	"netsense/pkg/model"
)

// Notifier 篡改通知发送方
type Notifier interface {
	Notify(ctx context.Context, contact, text string) error
}

// SlackNotifier 通过 Slack 兼容的 webhook 发送通知
type SlackNotifier struct{}

// Notify 实现 Notifier
func (SlackNotifier) Notify(_ context.Context, contact, text string) error {
	return slack.PostWebhook(contact, &slack.WebhookMessage{Text: text})
}

// Options 篡改检测配置
type Options struct {
	StoreLabel   string // 通知中展示的存储位置
	MarkerPath   string // 已通知标记文件，存在时不再通知
	OwnerContact string // 存储中未设置联系人时使用
	Template     string
}

// Guard 对比持久化计数与实际记录数，检测存储是否被外部修改；篡改状态一旦进入不会自动恢复
type Guard struct {
	store    *storage.Gateway
	opts     Options
	notifier Notifier
	log      logger.Logger

	mu       sync.RWMutex
	state    model.State
	onTamper []func()
}

// NewGuard 创建篡改检测
func NewGuard(store *storage.Gateway, opts Options, notifier Notifier, l logger.Logger) *Guard {
	if l == nil {
		l = logger.NewNop()
	}
	if notifier == nil {
		notifier = SlackNotifier{}
	}
	return &Guard{
		store:    store,
		opts:     opts,
		notifier: notifier,
		log:      l.With("component", "integrity"),
		state:    model.State{Phase: model.PhaseLoading},
	}
}

// State 当前状态
func (g *Guard) State() model.State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// OnTamper 注册进入篡改状态时的回调
func (g *Guard) OnTamper(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTamper = append(g.onTamper, fn)
}

// Check 执行一次完整性检查；首次运行时写入当前计数
func (g *Guard) Check(ctx context.Context) (model.State, error) {
	snap, err := g.store.IntegritySnapshot(ctx)
	if err != nil {
		return g.State(), fmt.Errorf("integrity snapshot: %w", err)
	}

	if !snap.HasStored {
		if err := g.store.SaveRecordCount(ctx, snap.Live); err != nil {
			return g.State(), fmt.Errorf("save record count: %w", err)
		}
		g.log.Info("初始化记录计数", "count", snap.Live)
		return g.settle(), nil
	}

	if snap.Stored == snap.Live {
		return g.settle(), nil
	}

	g.mu.Lock()
	already := g.state.Tampered
	g.state = model.State{Phase: model.PhaseTampered, Tampered: true}
	hooks := append([]func(){}, g.onTamper...)
	g.mu.Unlock()

	if already {
		return g.State(), nil
	}
	g.log.Error("检测到存储被篡改", "stored", snap.Stored, "live", snap.Live)
	g.notifyOnce(ctx, snap)
	for _, fn := range hooks {
		fn()
	}
	return g.State(), nil
}

// settle 检查通过：未处于篡改状态时进入就绪
func (g *Guard) settle() model.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Tampered {
		g.state = model.State{Phase: model.PhaseReady}
	}
	return g.state
}

// notifyOnce 向所有者发送一次通知，标记文件存在时跳过
func (g *Guard) notifyOnce(ctx context.Context, snap storage.Snapshot) {
	if g.opts.MarkerPath != "" {
		if _, err := os.Stat(g.opts.MarkerPath); err == nil {
			g.log.Debug("已通知过所有者，跳过", "marker", g.opts.MarkerPath)
			return
		} else if !errors.Is(err, fs.ErrNotExist) {
			g.log.Warn("读取通知标记失败", "error", err.Error())
			return
		}
	}

	contact, _, err := g.store.Setting(ctx, storage.SettingKeyOwnerContact)
	if err != nil {
		g.log.Warn("读取所有者联系方式失败", "error", err.Error())
	}
	if contact == "" {
		contact = g.opts.OwnerContact
	}
	if contact == "" {
		g.log.Warn("未配置所有者联系方式，跳过通知")
		return
	}

	text, err := g.render(snap)
	if err != nil {
		g.log.Err(err, "通知模板渲染失败")
		return
	}
	if err := g.notifier.Notify(ctx, contact, text); err != nil {
		g.log.Err(err, "篡改通知发送失败")
		return
	}
	if g.opts.MarkerPath != "" {
		if err := os.WriteFile(g.opts.MarkerPath, []byte(time.Now().Format(time.RFC3339)), 0o600); err != nil {
			g.log.Warn("写入通知标记失败", "error", err.Error())
		}
	}
	g.log.Info("已发送篡改通知")
}

func (g *Guard) render(snap storage.Snapshot) (string, error) {
	src := g.opts.Template
	if src == "" {
		src = "netsense: {{ store }} tampered ({{ stored }} != {{ live }})"
	}
	tpl, err := pongo2.FromString(src)
	if err != nil {
		return "", fmt.Errorf("compile notify template: %w", err)
	}
	return tpl.Execute(pongo2.Context{
		"store":  g.opts.StoreLabel,
		"stored": snap.Stored,
		"live":   snap.Live,
	})
}
