package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	adapter "netsense/internal/adapter/cdp"
	"netsense/internal/capture"
	"netsense/internal/logger"
	"netsense/pkg/model"
)

var _ capture.Realm = (*Page)(nil)

// Page 已附加的浏览器页面，同时是捕获脚本的运行环境
type Page struct {
	info   model.TargetInfo
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	log    logger.Logger
}

func newPage(info model.TargetInfo, conn *rpcc.Conn, client *cdp.Client, l logger.Logger) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{
		info:   info,
		conn:   conn,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		log:    l.With("tabId", string(info.ID)),
	}
}

// Info 附加时的页面信息
func (p *Page) Info() model.TargetInfo { return p.info }

func (p *Page) enable(ctx context.Context) error {
	if err := p.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}
	if err := p.client.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("enable runtime domain: %w", err)
	}
	return nil
}

// AddBinding 实现 capture.Realm
func (p *Page) AddBinding(ctx context.Context, name string) error {
	return p.client.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(name))
}

// RemoveBinding 实现 capture.Realm
func (p *Page) RemoveBinding(ctx context.Context, name string) error {
	return p.client.Runtime.RemoveBinding(ctx, runtime.NewRemoveBindingArgs(name))
}

// AddScriptOnNewDocument 实现 capture.Realm，返回脚本注册标识
func (p *Page) AddScriptOnNewDocument(ctx context.Context, source string) (string, error) {
	reply, err := p.client.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(source))
	if err != nil {
		return "", err
	}
	return string(reply.Identifier), nil
}

// RemoveScriptOnNewDocument 实现 capture.Realm
func (p *Page) RemoveScriptOnNewDocument(ctx context.Context, id string) error {
	return p.client.Page.RemoveScriptToEvaluateOnNewDocument(ctx, page.NewRemoveScriptToEvaluateOnNewDocumentArgs(page.ScriptIdentifier(id)))
}

// Evaluate 实现 capture.Realm
func (p *Page) Evaluate(ctx context.Context, source string) error {
	reply, err := p.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(source))
	if err != nil {
		return err
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("evaluate: %s", reply.ExceptionDetails.Text)
	}
	return nil
}

// Listen 开始消费绑定调用与主框架导航事件
func (p *Page) Listen(h Handler) error {
	bindings, err := p.client.Runtime.BindingCalled(p.ctx)
	if err != nil {
		return fmt.Errorf("subscribe binding calls: %w", err)
	}
	navigations, err := p.client.Page.FrameNavigated(p.ctx)
	if err != nil {
		_ = bindings.Close()
		return fmt.Errorf("subscribe navigations: %w", err)
	}

	p.wg.Add(2)
	go p.consumeBindings(bindings, h)
	go p.consumeNavigations(navigations, h)
	return nil
}

func (p *Page) consumeBindings(stream runtime.BindingCalledClient, h Handler) {
	defer p.wg.Done()
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			p.log.Debug("绑定事件流结束", "error", err.Error())
			return
		}
		if payload, ok := adapter.CapturePayload(ev, capture.BindingName); ok {
			h.OnCapture(payload)
		}
	}
}

func (p *Page) consumeNavigations(stream page.FrameNavigatedClient, h Handler) {
	defer p.wg.Done()
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			p.log.Debug("导航事件流结束", "error", err.Error())
			return
		}
		if u, ok := adapter.MainFrameURL(ev); ok {
			p.log.Debug("主框架导航", "url", u)
			h.OnNavigate(p.ctx, u)
		}
	}
}

func (p *Page) close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}
