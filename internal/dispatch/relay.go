package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"netsense/internal/config"
	"netsense/internal/ctxkeys"
	"netsense/internal/logger"
	"netsense/internal/protocol"
	"netsense/internal/storage"
	"netsense/pkg/model"
)

// ErrTampered 存储被外部修改，拒绝加载规则与变更
var ErrTampered = errors.New("rule store tampered, rule loading suspended")

// StateSource 后台状态来源
type StateSource interface {
	State() model.State
}

// Relay 后台应答方：唯一持有持久化网关，负责规则查询、弹窗变更与转发
type Relay struct {
	store   *storage.Gateway
	state   StateSource
	client  *http.Client
	timeout time.Duration
	limits  *limiterStore
	probes  *cache.Cache
	log     logger.Logger

	inflight sync.WaitGroup
}

// NewRelay 创建后台应答方
func NewRelay(store *storage.Gateway, state StateSource, cfg config.DispatchConfig, client *http.Client, l logger.Logger) *Relay {
	if client == nil {
		client = &http.Client{}
	}
	if l == nil {
		l = logger.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := time.Duration(cfg.ProbeTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Relay{
		store:   store,
		state:   state,
		client:  client,
		timeout: timeout,
		limits:  newLimiterStore(cfg.RatePerSecond, cfg.Burst),
		probes:  cache.New(ttl, 2*ttl),
		log:     l.With("component", "relay"),
	}
}

// Wait 等待已发出的转发全部结束
func (r *Relay) Wait() {
	r.inflight.Wait()
}

func (r *Relay) tampered() bool {
	return r.state != nil && r.state.State().Tampered
}

// Respond 按消息类型分发，所有分支都有应答
func (r *Relay) Respond(ctx context.Context, msg protocol.Message) (any, error) {
	switch m := msg.(type) {
	case protocol.OriginGet:
		return r.read(ctx, func() (any, error) { return r.store.GetOrigin(ctx, m.Name) })
	case protocol.SubpathGet:
		return r.read(ctx, func() (any, error) { return r.store.GetSubpath(ctx, m.Key) })
	case protocol.ScriptContent:
		return r.read(ctx, func() (any, error) {
			s, err := r.store.GetScript(ctx, m.Name)
			return s.Content, err
		})
	case protocol.EndpointsTrigger:
		if r.tampered() {
			return nil, ErrTampered
		}
		// 转发在后台进行，聚合结果不受单个目标的快慢或失败影响
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.Dispatch(ctx, m.Payload, m.Endpoints)
		}()
		return true, nil
	case protocol.StateGet:
		if r.state == nil {
			return model.State{Phase: model.PhaseReady}, nil
		}
		return r.state.State(), nil
	}

	if !isPopupQuery(msg) {
		return nil, protocol.ErrInvalidRequest
	}
	if r.tampered() {
		return nil, ErrTampered
	}
	return r.popup(ctx, msg)
}

// read 读取类查询：未找到或内部错误都应答 null
func (r *Relay) read(ctx context.Context, fn func() (any, error)) (any, error) {
	if r.tampered() {
		return nil, nil
	}
	v, err := fn()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("查询失败", "traceId", ctxkeys.TraceID(ctx), "error", err.Error())
		}
		return nil, nil
	}
	return v, nil
}

func isPopupQuery(msg protocol.Message) bool {
	switch msg.(type) {
	case protocol.OriginAdd, protocol.OriginRemove, protocol.OriginList,
		protocol.SubpathAdd, protocol.SubpathRemove, protocol.SubpathList,
		protocol.SubpathLogging, protocol.SubpathEndpoint, protocol.SubpathScript,
		protocol.EndpointAdd, protocol.EndpointRemove, protocol.EndpointList, protocol.EndpointProbe,
		protocol.ScriptAdd, protocol.ScriptSet, protocol.ScriptRemove, protocol.ScriptList:
		return true
	default:
		return false
	}
}

// popup 弹窗的查询与变更；变更成功后应答最新列表
func (r *Relay) popup(ctx context.Context, msg protocol.Message) (any, error) {
	switch m := msg.(type) {
	case protocol.OriginAdd:
		if _, err := r.store.AddOrigin(ctx, m.Name); err != nil {
			return nil, err
		}
		return r.store.ListOrigins(ctx, "")
	case protocol.OriginRemove:
		if err := r.store.RemoveOrigin(ctx, m.Name); err != nil {
			return nil, err
		}
		return r.store.ListOrigins(ctx, "")
	case protocol.OriginList:
		return r.store.ListOrigins(ctx, m.Prefix)

	case protocol.SubpathAdd:
		sp, err := r.store.AddSubpath(ctx, m.Origin, m.Subpath)
		if err != nil {
			return nil, err
		}
		return r.store.ListSubpaths(ctx, sp.Origin, "")
	case protocol.SubpathRemove:
		sp, err := r.store.GetSubpath(ctx, m.Key)
		if err != nil {
			return nil, err
		}
		if err := r.store.RemoveSubpath(ctx, m.Key); err != nil {
			return nil, err
		}
		return r.store.ListSubpaths(ctx, sp.Origin, "")
	case protocol.SubpathList:
		return r.store.ListSubpaths(ctx, m.Origin, m.Prefix)
	case protocol.SubpathLogging:
		return r.store.SetSubpathLogging(ctx, m.Key, m.Enabled)
	case protocol.SubpathEndpoint:
		return r.store.SetSubpathEndpoint(ctx, m.Key, m.Endpoint, m.Attach)
	case protocol.SubpathScript:
		return r.store.SetSubpathScript(ctx, m.Key, m.Script, m.Attach)

	case protocol.EndpointAdd:
		if _, err := r.store.AddEndpoint(ctx, m.URL); err != nil {
			return nil, err
		}
		return r.store.ListEndpoints(ctx, "")
	case protocol.EndpointRemove:
		if err := r.store.RemoveEndpoint(ctx, m.URL); err != nil {
			return nil, err
		}
		r.probes.Delete(m.URL)
		return r.store.ListEndpoints(ctx, "")
	case protocol.EndpointList:
		return r.store.ListEndpoints(ctx, m.Prefix)
	case protocol.EndpointProbe:
		return r.Probe(ctx, m.URL, m.Refresh), nil

	case protocol.ScriptAdd:
		if _, err := r.store.AddScript(ctx, m.Name, m.Content); err != nil {
			return nil, err
		}
		return r.store.ListScripts(ctx, "")
	case protocol.ScriptSet:
		if _, err := r.store.SetScript(ctx, m.Name, m.Content); err != nil {
			return nil, err
		}
		return r.store.ListScripts(ctx, "")
	case protocol.ScriptRemove:
		if err := r.store.RemoveScript(ctx, m.Name); err != nil {
			return nil, err
		}
		return r.store.ListScripts(ctx, "")
	case protocol.ScriptList:
		return r.store.ListScripts(ctx, m.Prefix)
	default:
		return nil, protocol.ErrInvalidRequest
	}
}
