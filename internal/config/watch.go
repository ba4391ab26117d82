package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay 收到事件后等待写入完成的时间
const settleDelay = 10 * time.Millisecond

// ReloadFunc 配置重新加载回调，加载失败时 opts 为 nil
type ReloadFunc func(opts *Options, err error)

// Watch 监视配置文件，文件变化时重新加载并回调
//
// 回调在监视协程中执行。ctx 取消后停止监视。
func Watch(ctx context.Context, path string, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// 监视所在目录：编辑器通常先写临时文件再改名
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				drain(watcher.Events)
				opts, err := Load(path)
				fn(opts, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fn(nil, fmt.Errorf("watch %s: %w", path, err))
			}
		}
	}()
	return nil
}

// drain 丢弃连续到达的事件，避免读到写了一半的文件
func drain(events <-chan fsnotify.Event) {
	for {
		time.Sleep(settleDelay)
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
