// Package scheduler drives registered strategies on a fixed ticker. Each
// strategy has at most one evaluation in flight; a tick that arrives while the
// previous one is still running is skipped and logged, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrBusy 上一次评估尚未结束, 本次 tick 被跳过
var ErrBusy = errors.New("previous evaluation still in flight")

// ErrUnknownTask 未注册的任务
var ErrUnknownTask = errors.New("unknown task")

var (
	skippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "scheduler",
		Name:      "skipped_ticks_total",
		Help:      "Ticks skipped because the previous evaluation was still running",
	}, []string{"strategy"})
	tickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "scheduler",
		Name:      "tick_errors_total",
		Help:      "Evaluations that returned an error",
	}, []string{"strategy"})
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grid",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one evaluation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"strategy"})
)

// Task 是可被周期驱动的一次评估
type Task interface {
	Next(ctx context.Context) error
}

type entry struct {
	id   string
	task Task
	sem  *semaphore.Weighted
}

// Scheduler 按固定间隔分发所有已注册任务
type Scheduler struct {
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New 创建调度器, interval 必须为正
func New(interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{interval: interval, logger: logger, entries: make(map[string]*entry)}, nil
}

// Add 注册任务, id 重复时返回错误
func (s *Scheduler) Add(id string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("task %q already registered", id)
	}
	s.entries[id] = &entry{id: id, task: task, sem: semaphore.NewWeighted(1)}
	return nil
}

// Remove 注销任务; 正在执行的评估会继续跑完
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// IDs 返回已注册任务的 id
func (s *Scheduler) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch 在后台启动一次评估。上一次评估未结束时返回 ErrBusy。
func (s *Scheduler) Dispatch(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !e.sem.TryAcquire(1) {
		skippedTicks.WithLabelValues(id).Inc()
		return ErrBusy
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.sem.Release(1)
		s.evaluate(ctx, e)
	}()
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, e *entry) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tickErrors.WithLabelValues(e.id).Inc()
			s.logger.Error("策略评估 panic", zap.String("strategy_id", e.id), zap.Any("panic", r))
		}
	}()
	err := e.task.Next(ctx)
	tickDuration.WithLabelValues(e.id).Observe(time.Since(start).Seconds())
	if err != nil {
		tickErrors.WithLabelValues(e.id).Inc()
		s.logger.Error("策略评估失败", zap.String("strategy_id", e.id), zap.Error(err))
	}
}

// DispatchAll 分发所有任务, 被跳过的任务只记录日志
func (s *Scheduler) DispatchAll(ctx context.Context) {
	for _, id := range s.IDs() {
		if err := s.Dispatch(ctx, id); err != nil {
			s.logger.Warn("跳过本次 tick", zap.String("strategy_id", id), zap.Error(err))
		}
	}
}

// Run 立即分发一次, 之后每个间隔分发一次, 直到 ctx 结束。返回前等待所有在途评估完成。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("调度器启动", zap.Duration("interval", s.interval), zap.Strings("tasks", s.IDs()))

	s.DispatchAll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("调度器已停止")
			return nil
		case <-ticker.C:
			s.DispatchAll(ctx)
		}
	}
}

// Wait 阻塞直到所有在途评估完成
func (s *Scheduler) Wait() { s.wg.Wait() }
