package cdp_test

import (
	"testing"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	adapter "netsense/internal/adapter/cdp"
	"netsense/pkg/model"
)

func targets() []*devtool.Target {
	return []*devtool.Target{
		{ID: "sw", Type: devtool.ServiceWorker, URL: "https://example.com/sw.js"},
		{ID: "p1", Type: devtool.Page, URL: "https://Example.com/shop", Title: "Shop"},
		nil,
		{ID: "p2", Type: devtool.Page, URL: "https://other.org/"},
	}
}

func TestToPageInfos(t *testing.T) {
	infos := adapter.ToPageInfos(targets())
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].ID != "p1" || infos[0].Origin != "example.com" || infos[0].Title != "Shop" || infos[0].Type != "page" {
		t.Errorf("info = %+v", infos[0])
	}
}

func TestSelectPage(t *testing.T) {
	if got := adapter.SelectPage(targets(), ""); got == nil || got.ID != "p1" {
		t.Errorf("default = %+v", got)
	}
	if got := adapter.SelectPage(targets(), model.TargetID("p2")); got == nil || got.ID != "p2" {
		t.Errorf("by id = %+v", got)
	}
	if got := adapter.SelectPage(targets(), model.TargetID("sw")); got != nil {
		t.Errorf("non-page selected: %+v", got)
	}
}

func TestCapturePayload(t *testing.T) {
	ev := &runtime.BindingCalledReply{Name: "__netsenseCapture", Payload: `{"url":"x"}`}
	if b, ok := adapter.CapturePayload(ev, "__netsenseCapture"); !ok || string(b) != `{"url":"x"}` {
		t.Errorf("payload = %s, %v", b, ok)
	}
	if _, ok := adapter.CapturePayload(ev, "other"); ok {
		t.Error("foreign binding accepted")
	}
}

func TestMainFrameURL(t *testing.T) {
	parent := page.FrameID("root")
	if u, ok := adapter.MainFrameURL(&page.FrameNavigatedReply{Frame: page.Frame{URL: "https://a.com/"}}); !ok || u != "https://a.com/" {
		t.Errorf("main frame = %q, %v", u, ok)
	}
	if _, ok := adapter.MainFrameURL(&page.FrameNavigatedReply{Frame: page.Frame{URL: "https://ads.com/", ParentID: &parent}}); ok {
		t.Error("child frame accepted")
	}
}
