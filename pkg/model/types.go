package model

import (
	"net/url"
	"strings"
	"time"
)

type TargetID string

// TargetInfo 标签页信息
type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Origin    string   `json:"origin"`
	Attached  bool     `json:"attached"`
	IsLocal   bool     `json:"isLocal"`
}

// TrackedOrigin 被跟踪的顶级站点
type TrackedOrigin struct {
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Subpaths []string  `json:"subpaths"`
}

// TrackedSubpath 站点下被跟踪的子路径规则
type TrackedSubpath struct {
	Key       string    `json:"key"`
	Origin    string    `json:"origin"`
	Subpath   string    `json:"subpath"`
	Created   time.Time `json:"created"`
	Logging   bool      `json:"logging"`
	Endpoints []string  `json:"endpoints"`
	Scripts   []string  `json:"scripts"`
	Version   int64     `json:"version"`
}

// Endpoint 接收转发数据的外部地址
type Endpoint struct {
	URL     string    `json:"url"`
	Created time.Time `json:"created"`
}

// Script 子路径脚本钩子
type Script struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Content string    `json:"content"`
}

// Phase 后台状态阶段
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseReady    Phase = "ready"
	PhaseTampered Phase = "tampered"
)

// State 后台状态
type State struct {
	Phase    Phase `json:"phase"`
	Tampered bool  `json:"tampered"`
}

// 事件类型
const (
	EventMatched   = "matched"
	EventLogged    = "logged"
	EventVetoed    = "vetoed"
	EventForwarded = "forwarded"
	EventFailed    = "failed"
	EventAttached  = "attached"
	EventDetached  = "detached"
	EventTampered  = "tampered"
)

// Event 实时事件
type Event struct {
	Type      string   `json:"type"`
	Target    TargetID `json:"target"`
	URL       string   `json:"url"`
	Rule      string   `json:"rule,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Delivery 单个目标的投递结果
type Delivery struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status"`
	Error    string `json:"error,omitempty"`
}

// SubpathKey 生成子路径复合键
func SubpathKey(origin, subpath string) string {
	return origin + "_" + subpath
}

// NormalizeOrigin 返回去掉协议、路径后的小写主机名
func NormalizeOrigin(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	raw := s
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	s = StripScheme(s)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

// NormalizeSubpath 返回去掉协议后的小写子路径
func NormalizeSubpath(s string) string {
	return StripScheme(strings.ToLower(strings.TrimSpace(s)))
}

// StripScheme 去掉 URL 的协议部分
func StripScheme(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		return s[i+3:]
	}
	return s
}
