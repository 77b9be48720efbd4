package cdp

import (
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	"netsense/pkg/model"
)

// ToTargetInfo 将 devtool 目标转换为标签页信息
func ToTargetInfo(t *devtool.Target) model.TargetInfo {
	return model.TargetInfo{
		ID:     model.TargetID(t.ID),
		Type:   string(t.Type),
		URL:    t.URL,
		Title:  t.Title,
		Origin: model.NormalizeOrigin(t.URL),
	}
}

// ToPageInfos 只保留页面类型的目标
func ToPageInfos(targets []*devtool.Target) []model.TargetInfo {
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != devtool.Page {
			continue
		}
		out = append(out, ToTargetInfo(t))
	}
	return out
}

// SelectPage 按ID选择页面目标，id 为空时取第一个页面
func SelectPage(targets []*devtool.Target, id model.TargetID) *devtool.Target {
	for _, t := range targets {
		if t == nil || t.Type != devtool.Page {
			continue
		}
		if id == "" || model.TargetID(t.ID) == id {
			return t
		}
	}
	return nil
}

// CapturePayload 取出捕获绑定的负载，其他绑定返回 false
func CapturePayload(ev *runtime.BindingCalledReply, binding string) ([]byte, bool) {
	if ev == nil || ev.Name != binding {
		return nil, false
	}
	return []byte(ev.Payload), true
}

// MainFrameURL 主框架导航时返回新地址，子框架返回 false
func MainFrameURL(ev *page.FrameNavigatedReply) (string, bool) {
	if ev == nil || ev.Frame.ParentID != nil {
		return "", false
	}
	return ev.Frame.URL, true
}
