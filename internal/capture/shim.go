package capture

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"netsense/internal/bridge"
	"netsense/internal/logger"
	"netsense/pkg/traffic"
)

// BindingName 页面向 Go 侧转发捕获事件所用的绑定函数名
const BindingName = "__netsenseCapture"

//go:embed shim.js
var shimSource string

// Source 返回注入页面的完整脚本
func Source() string {
	return fmt.Sprintf("%s(%q, %q);", strings.TrimSpace(shimSource), bridge.EventCaptured, BindingName)
}

// disableSource 停用当前文档中已注入的脚本，包装后的 XHR/fetch 直接透传
const disableSource = "window.__netsenseDisabled = true;"

// Realm 页面运行环境
type Realm interface {
	AddBinding(ctx context.Context, name string) error
	RemoveBinding(ctx context.Context, name string) error
	AddScriptOnNewDocument(ctx context.Context, source string) (string, error)
	RemoveScriptOnNewDocument(ctx context.Context, id string) error
	Evaluate(ctx context.Context, source string) error
}

// Shim 浏览器页面捕获脚本的安装状态
type Shim struct {
	realm     Realm
	mu        sync.Mutex
	installed bool
	scriptID  string
	log       logger.Logger
}

// NewShim 创建页面捕获脚本
func NewShim(realm Realm, l logger.Logger) *Shim {
	if l == nil {
		l = logger.NewNop()
	}
	return &Shim{realm: realm, log: l}
}

// EnsureInstalled 幂等安装：绑定转发函数，注册后续文档脚本并注入当前文档
func (s *Shim) EnsureInstalled(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed {
		return nil
	}

	src := Source()
	if err := s.realm.AddBinding(ctx, BindingName); err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	if s.scriptID == "" {
		id, err := s.realm.AddScriptOnNewDocument(ctx, src)
		if err != nil {
			return fmt.Errorf("register shim: %w", err)
		}
		s.scriptID = id
	}
	if err := s.realm.Evaluate(ctx, src); err != nil {
		return fmt.Errorf("inject shim: %w", err)
	}
	s.installed = true
	s.log.Info("捕获脚本已注入")
	return nil
}

// Uninstall 撤销后续文档的脚本注册与绑定，并停用当前文档中的脚本；未安装时无操作
func (s *Shim) Uninstall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed && s.scriptID == "" {
		return nil
	}

	var errs []error
	if s.scriptID != "" {
		if err := s.realm.RemoveScriptOnNewDocument(ctx, s.scriptID); err != nil {
			errs = append(errs, fmt.Errorf("unregister shim: %w", err))
		}
	}
	if err := s.realm.RemoveBinding(ctx, BindingName); err != nil {
		errs = append(errs, fmt.Errorf("remove binding: %w", err))
	}
	if err := s.realm.Evaluate(ctx, disableSource); err != nil {
		errs = append(errs, fmt.Errorf("disable shim: %w", err))
	}
	s.installed = false
	s.scriptID = ""
	s.log.Info("捕获脚本已撤销")
	return errors.Join(errs...)
}

// Installed 是否已安装
func (s *Shim) Installed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}

// ErrMalformedCapture 页面负载无法解析
var ErrMalformedCapture = errors.New("malformed capture payload")

// DecodeCapture 解析页面发来的捕获负载
func DecodeCapture(payload []byte) (traffic.Capture, error) {
	var c traffic.Capture
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return c, ErrMalformedCapture
	}
	if gjson.GetBytes(payload, "url").String() == "" {
		return c, fmt.Errorf("%w: missing url", ErrMalformedCapture)
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedCapture, err)
	}
	c.Normalize()
	return c, nil
}

// EncodeEvent 将捕获记录封装为页面事件
func EncodeEvent(c traffic.Capture) (bridge.Event, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return bridge.Event{}, err
	}
	return bridge.Event{Name: bridge.EventCaptured, Detail: b}, nil
}
