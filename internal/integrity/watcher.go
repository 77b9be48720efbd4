package integrity

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netsense/internal/logger"
)

// Watcher 监听数据库文件的写入，去抖后触发回调
type Watcher struct {
	base     string
	debounce time.Duration
	log      logger.Logger
	watcher  *fsnotify.Watcher
	onChange func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher 监听 dbPath 所在目录中属于该数据库的文件（含 -wal、-journal）
func NewWatcher(dbPath string, debounce time.Duration, l logger.Logger, onChange func()) (*Watcher, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{
		base:     filepath.Base(abs),
		debounce: debounce,
		log:      l.With("component", "watcher"),
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start 在后台开始监听
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop 停止监听
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.owns(event.Name) || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			w.log.Debug("数据库文件变更", "file", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("文件监听错误", "error", err.Error())

		case <-timerC:
			timerC = nil
			w.onChange()
		}
	}
}

func (w *Watcher) owns(name string) bool {
	return strings.HasPrefix(filepath.Base(name), w.base)
}
