// Package jsonl 实现异步 JSONL 追加写入，用于机会与执行记录的离线复盘。
// 热路径只做非阻塞投递，编码与文件 I/O 在后台 goroutine 完成。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("jsonl: writer closed")

// ErrBufferFull 缓冲区已满，记录被丢弃
var ErrBufferFull = errors.New("jsonl: buffer full")

type cmdKind int

const (
	cmdRecord cmdKind = iota
	cmdFlush
	cmdClose
)

type cmd struct {
	kind cmdKind
	val  any
	done chan error
}

// Stats 写入统计
type Stats struct {
	Written      int64
	Dropped      int64
	EncodeErrors int64
}

// Writer 异步 JSONL 写入器
type Writer struct {
	path string
	ch   chan cmd

	// mu 保护 closed 与向 ch 的发送
	mu     sync.RWMutex
	closed bool

	written      atomic.Int64
	dropped      atomic.Int64
	encodeErrors atomic.Int64

	closeErr error
	wg       sync.WaitGroup
}

// NewWriter 创建 JSONL 写入器，文件以追加模式打开
// 参数 path: 输出文件路径，目录不存在时自动创建
// 参数 bufferSize: 待写入记录的缓冲条数
func NewWriter(path string, bufferSize int) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{path: path, ch: make(chan cmd, bufferSize)}
	w.wg.Go(func() { w.run(f) })
	return w, nil
}

// Path 输出文件路径
func (w *Writer) Path() string { return w.path }

// Write 投递一条记录，缓冲区满时丢弃并返回 ErrBufferFull
func (w *Writer) Write(v any) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.ch <- cmd{kind: cmdRecord, val: v}:
		return nil
	default:
		w.dropped.Add(1)
		return ErrBufferFull
	}
}

// Flush 等待此前投递的记录全部写入文件
func (w *Writer) Flush() error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	done := make(chan error, 1)
	w.ch <- cmd{kind: cmdFlush, done: done}
	w.mu.RUnlock()
	return <-done
}

// Close 写完缓冲中的记录后关闭文件，可重复调用
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		done := make(chan error, 1)
		w.ch <- cmd{kind: cmdClose, done: done}
		w.closeErr = <-done
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.closeErr
}

// Stats 当前写入统计
func (w *Writer) Stats() Stats {
	return Stats{
		Written:      w.written.Load(),
		Dropped:      w.dropped.Load(),
		EncodeErrors: w.encodeErrors.Load(),
	}
}

func (w *Writer) run(f *os.File) {
	bw := bufio.NewWriterSize(f, 256<<10)
	enc := json.NewEncoder(bw)

	// 空闲时定期刷盘，避免进程被杀时丢失过多记录
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case c, ok := <-w.ch:
			if !ok {
				return
			}
			switch c.kind {
			case cmdRecord:
				// Encoder 自带换行
				if err := enc.Encode(c.val); err != nil {
					w.encodeErrors.Add(1)
					continue
				}
				w.written.Add(1)
			case cmdFlush:
				c.done <- bw.Flush()
			case cmdClose:
				err := bw.Flush()
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				c.done <- err
				return
			}
		case <-tick.C:
			_ = bw.Flush()
		}
	}
}
