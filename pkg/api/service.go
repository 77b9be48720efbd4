package api

import (
	"context"
	"encoding/json"
	"net/http"

	"netsense/internal/config"
	"netsense/internal/logger"
	"netsense/internal/service"
	"netsense/pkg/model"
)

// Service 服务接口
type Service interface {
	// Call 向后台发送消息信封
	Call(ctx context.Context, envelope []byte) (json.RawMessage, error)

	// TabCall 向标签页发送消息信封
	TabCall(ctx context.Context, id model.TargetID, envelope []byte) (json.RawMessage, error)

	// OpenLocalTab 打开进程内页面，返回被捕获的 HTTP 客户端
	OpenLocalTab(ctx context.Context, pageURL string) (model.TargetInfo, *http.Client, error)

	// ListTargets 列出浏览器页面
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// AttachBrowser 附加浏览器页面
	AttachBrowser(ctx context.Context, target model.TargetID) (model.TargetInfo, error)

	// ListTabs 列出标签页
	ListTabs() []model.TargetInfo

	// CloseTab 关闭标签页
	CloseTab(id model.TargetID) error

	// State 后台状态
	State() model.State

	// Events 订阅实时事件
	Events(ctx context.Context) <-chan model.Event

	// Close 关闭服务
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(ctx context.Context, cfg *config.Config, l logger.Logger, opts ...service.Option) (Service, error) {
	s, err := service.New(ctx, cfg, l, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
