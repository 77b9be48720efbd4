package bridge

import (
	"encoding/json"
	"sync"

	"netsense/internal/logger"
)

// EventCaptured 捕获事件名
const EventCaptured = "netsense:captured"

// Event 页面事件，Detail 为序列化后的负载
type Event struct {
	Name   string
	Detail json.RawMessage
}

// ListenerID 监听器句柄
type ListenerID uint64

// Listener 事件回调
type Listener func(Event)

type listenerEntry struct {
	name string
	fn   Listener
}

// Dispatcher 页面事件目标：发送方只投递不等待，由投递循环依次通知监听器
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[ListenerID]listenerEntry
	nextID    ListenerID
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       logger.Logger
}

// NewDispatcher 创建事件目标并启动投递循环
func NewDispatcher(buffer int, l logger.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if l == nil {
		l = logger.NewNop()
	}
	d := &Dispatcher{
		listeners: make(map[ListenerID]listenerEntry),
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
		log:       l,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// AddListener 注册监听器
func (d *Dispatcher) AddListener(name string, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[d.nextID] = listenerEntry{name: name, fn: fn}
	return d.nextID
}

// RemoveListener 移除监听器，重复移除无副作用
func (d *Dispatcher) RemoveListener(id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, id)
}

// Listeners 返回指定事件的监听器数量
func (d *Dispatcher) Listeners(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.listeners {
		if e.name == name {
			n++
		}
	}
	return n
}

// Emit 投递事件，队列已满或已关闭时丢弃
func (d *Dispatcher) Emit(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("事件队列已满，丢弃事件", "event", ev.Name)
	}
}

// Close 停止投递循环
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	fns := make([]Listener, 0, len(d.listeners))
	for _, e := range d.listeners {
		if e.name == ev.Name {
			fns = append(fns, e.fn)
		}
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		d.safeCall(fn, ev)
	}
}

func (d *Dispatcher) safeCall(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("事件监听器异常", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}
