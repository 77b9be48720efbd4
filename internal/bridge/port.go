package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"netsense/internal/ctxkeys"
	"netsense/internal/logger"
	"netsense/internal/protocol"
)

// ErrDisconnected 对端已关闭
var ErrDisconnected = errors.New("port disconnected")

// Responder 消息应答方
type Responder interface {
	Respond(ctx context.Context, msg protocol.Message) (any, error)
}

// ResponderFunc 函数形式的应答方
type ResponderFunc func(ctx context.Context, msg protocol.Message) (any, error)

// Respond 实现 Responder
func (f ResponderFunc) Respond(ctx context.Context, msg protocol.Message) (any, error) {
	return f(ctx, msg)
}

type request struct {
	id   string
	data []byte
}

// Port 带关联ID的请求/应答通道，两端只交换序列化后的消息
type Port struct {
	name      string
	inbox     chan request
	mu        sync.Mutex
	pending   map[string]chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
	log       logger.Logger
}

// NewPort 创建通道
func NewPort(name string, l logger.Logger) *Port {
	if l == nil {
		l = logger.NewNop()
	}
	return &Port{
		name:    name,
		inbox:   make(chan request, 64),
		pending: make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
		log:     l.With("port", name),
	}
}

// Name 返回通道名
func (p *Port) Name() string { return p.name }

// Request 发送消息并等待应答
func (p *Port) Request(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return p.RequestRaw(ctx, data)
}

// RequestRaw 发送已序列化的消息信封并等待应答
func (p *Port) RequestRaw(ctx context.Context, data []byte) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case <-p.done:
		return nil, ErrDisconnected
	default:
	}

	select {
	case p.inbox <- request{id: id, data: data}:
	case <-p.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-p.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve 持续处理请求，直到上下文结束或通道关闭
func (p *Port) Serve(ctx context.Context, r Responder) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case req := <-p.inbox:
			go p.handle(ctx, r, req)
		}
	}
}

// Close 关闭通道，等待中的请求返回 ErrDisconnected
func (p *Port) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *Port) handle(ctx context.Context, r Responder, req request) {
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, req.id)
	raw := p.respond(ctx, r, req.data)

	p.mu.Lock()
	ch, ok := p.pending[req.id]
	p.mu.Unlock()
	if !ok {
		p.log.Debug("请求方已放弃，丢弃应答", "traceId", req.id)
		return
	}
	ch <- raw
}

// respond 保证每条消息都有且只有一个应答
func (p *Port) respond(ctx context.Context, r Responder, data []byte) (raw json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("应答处理异常", "panic", rec)
			raw = encodeReply(protocol.Fail(fmt.Errorf("responder panic: %v", rec)))
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		p.log.Warn("无法识别的消息", "error", err.Error())
		return encodeReply(protocol.Fail(err))
	}
	v, err := r.Respond(ctx, msg)
	if err != nil {
		return encodeReply(protocol.Fail(err))
	}
	return encodeReply(v)
}

func encodeReply(v any) json.RawMessage {
	if v == nil {
		return protocol.Null
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(protocol.Fail(err))
	}
	return b
}
