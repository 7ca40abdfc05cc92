// Package pool 事实处理工作池，发射方提交后立即返回，不等待会话写入
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
)

// Task 工作池任务，ctx 在工作池停止时取消
type Task func(ctx context.Context)

// Pool 固定数量 worker 的工作池，队列满时丢弃任务
type Pool struct {
	size     int
	queue    chan Task
	queueCap int
	log      logger.Logger
	metric   *metrics.Metrics

	submitted atomic.Int64
	dropped   atomic.Int64
	running   atomic.Int64

	wg      sync.WaitGroup
	base    atomic.Value // context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

// New 创建工作池
// size: worker 数量；queueCap: 队列容量（为 0 时默认 size * 8）
// size <= 0 时不限制并发，每个任务直接启动协程执行
func New(size int, queueCap int) *Pool {
	if size <= 0 {
		return &Pool{log: logger.NewNop()}
	}
	if queueCap <= 0 {
		queueCap = size * 8
	}
	return &Pool{
		size:     size,
		queue:    make(chan Task, queueCap),
		queueCap: queueCap,
		log:      logger.NewNop(),
	}
}

// SetLogger 设置日志记录器
func (p *Pool) SetLogger(l logger.Logger) {
	if l != nil {
		p.log = l
	}
}

// SetMetrics 设置指标集合
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metric = m
}

// Start 启动 worker 与状态监控，重复调用无效
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.base.Store(ctx)
	if p.queue == nil {
		return
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.monitor(ctx)
}

// Stop 停止工作池并等待所有 worker 退出，队列中未执行的任务被丢弃
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// monitor 定期输出工作池状态
func (p *Pool) monitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qLen, qCap, submit, drop := p.Stats()
			if submit > 0 {
				usage := float64(qLen) / float64(qCap) * 100
				dropRate := float64(drop) / float64(submit) * 100
				p.log.Info("工作池状态监控", "queueLen", qLen, "queueCap", qCap, "usage", fmt.Sprintf("%.1f%%", usage), "totalSubmit", submit, "totalDrop", drop, "dropRate", fmt.Sprintf("%.2f%%", dropRate))
			}
		}
	}
}

// worker 从队列中取任务执行
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			if task != nil {
				p.run(ctx, task)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	p.metric.SetPoolRunning(int(p.running.Add(1)))
	defer func() {
		p.metric.SetPoolRunning(int(p.running.Add(-1)))
		if r := recover(); r != nil {
			p.log.Error("工作池任务异常", "panic", fmt.Sprint(r))
		}
	}()
	task(ctx)
}

// Submit 提交任务，队列已满时丢弃并返回 false
// 任务不继承提交方 ctx 的取消，提交方返回后任务仍会执行
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.submitted.Add(1)
	if p.queue == nil {
		go p.run(p.taskContext(ctx), task)
		return true
	}
	select {
	case p.queue <- task:
		return true
	default:
		drop := p.dropped.Add(1)
		p.log.Warn("工作池队列已满，任务被丢弃", "queueCap", p.queueCap, "totalSubmit", p.submitted.Load(), "totalDrop", drop)
		return false
	}
}

// taskContext 无限制模式下任务使用的 ctx：已启动时随工作池取消，否则只保留提交方的值
func (p *Pool) taskContext(ctx context.Context) context.Context {
	if base, ok := p.base.Load().(context.Context); ok {
		return base
	}
	return context.WithoutCancel(ctx)
}

// Stats 返回工作池统计信息
func (p *Pool) Stats() (queueLen, queueCap, totalSubmit, totalDrop int64) {
	return int64(len(p.queue)), int64(p.queueCap), p.submitted.Load(), p.dropped.Load()
}

// IsEnabled 是否启用并发限制
func (p *Pool) IsEnabled() bool {
	return p.queue != nil
}
