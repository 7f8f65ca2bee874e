package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/embedder"
	"github.com/user/moviesearch/internal/model"
	"github.com/user/moviesearch/internal/observability"
	"github.com/user/moviesearch/internal/seed"
)

const (
	// SampleSize 目录非空时返回的示例条数
	SampleSize = 20

	StageEmbed = "embed"
	StageWrite = "write"

	SkipNotEmpty = "not_empty"
	SkipLocked   = "locked"
)

// IngestConfig 导入参数
type IngestConfig struct {
	EmbedBatchSize   int // 每次向量化请求的文本数
	EmbedConcurrency int // 并发的向量化请求数
	WriteBatchSize   int // 每次 UpsertAll 的记录数
	// Timeout 单次导入的上限，导入与发起请求的生命周期解耦
	Timeout time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 16
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 4
	}
	if c.WriteBatchSize <= 0 {
		c.WriteBatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// IngestOptions 单次导入的选项
type IngestOptions struct {
	// Force 跳过"目录为空"检查，依赖按标题 upsert 做全量重同步
	Force bool
	// Progress 每条记录向量化完成后回调
	Progress func(done, total int)
}

// RecordFailure 导入失败的记录
type RecordFailure struct {
	Title   string `json:"title"`
	Stage   string `json:"stage"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// IngestionPartialFailure 部分记录向量化或写入失败，成功的记录已写入
type IngestionPartialFailure struct {
	Failures []RecordFailure
	Written  int
}

func (e *IngestionPartialFailure) Error() string {
	titles := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		titles = append(titles, fmt.Sprintf("%s (%s)", f.Title, f.Stage))
	}
	return fmt.Sprintf("ingestion partially failed: %d record(s) failed, %d written: %s",
		len(e.Failures), e.Written, strings.Join(titles, ", "))
}

func (e *IngestionPartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// IngestReport 导入结果
type IngestReport struct {
	Source   string          `json:"source"`
	Loaded   int             `json:"loaded"`
	Written  int             `json:"written"`
	Count    int64           `json:"count"`
	Skipped  bool            `json:"skipped"`
	Reason   string          `json:"reason,omitempty"`
	Sample   []model.Movie   `json:"sample"`
	Failures []RecordFailure `json:"failures,omitempty"`
	TookMs   int64           `json:"took_ms"`
}

// IngestionService 把种子数据向量化后写入目录
type IngestionService struct {
	store    catalog.Store
	embedder embedder.Embedder
	source   seed.Source
	cfg      IngestConfig
	sf       singleflight.Group
}

// NewIngestionService 创建导入服务
func NewIngestionService(store catalog.Store, emb embedder.Embedder, source seed.Source, cfg IngestConfig) *IngestionService {
	return &IngestionService{
		store:    store,
		embedder: emb,
		source:   source,
		cfg:      cfg.withDefaults(),
	}
}

// Ingest 目录为空时导入种子数据，否则返回现有记录概况
func (s *IngestionService) Ingest(ctx context.Context) (*IngestReport, error) {
	return s.Run(ctx, IngestOptions{})
}

// Run 同一进程内的并发调用会合并为一次
// 合并后的导入不随任一调用方取消，调用方取消时只是不再等待结果
func (s *IngestionService) Run(ctx context.Context, opts IngestOptions) (*IngestReport, error) {
	key := "ingest"
	if opts.Force {
		key = "resync"
	}
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		return s.run(runCtx, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Printf("[IngestionService] 复用进行中的导入结果")
		}
		report, _ := res.Val.(*IngestReport)
		return report, res.Err
	}
}

func (s *IngestionService) run(ctx context.Context, opts IngestOptions) (report *IngestReport, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "ingest", attribute.Bool("force", opts.Force))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	if locker, ok := s.store.(catalog.IngestionLocker); ok {
		release, claimed, err := locker.TryLockIngestion(ctx)
		if err != nil {
			return nil, err
		}
		if !claimed {
			log.Printf("[IngestionService] 其他实例正在导入，跳过")
			return s.skipped(ctx, SkipLocked, start)
		}
		defer release()
	}

	if !opts.Force {
		empty, err := s.store.IsEmpty(ctx)
		if err != nil {
			return nil, err
		}
		if !empty {
			log.Printf("[IngestionService] 目录已有数据，跳过导入")
			return s.skipped(ctx, SkipNotEmpty, start)
		}
	}

	records, err := s.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", s.source.Name(), err)
	}
	report = &IngestReport{Source: s.source.Name(), Loaded: len(records)}
	log.Printf("[IngestionService] 开始导入 %d 条记录 (source=%s, force=%v)", len(records), s.source.Name(), opts.Force)

	failures, err := s.embedAll(ctx, records, opts.Progress)
	if err != nil {
		return nil, err
	}

	embedded := make([]model.Movie, 0, len(records))
	for _, r := range records {
		if r.Embedding != nil {
			embedded = append(embedded, r)
		}
	}

	written, writeFailures, err := s.writeAll(ctx, embedded)
	if err != nil {
		return nil, err
	}
	failures = append(failures, writeFailures...)
	report.Written = written
	report.Failures = failures

	if report.Count, err = s.store.Count(ctx); err != nil {
		return nil, err
	}
	if report.Sample, err = s.store.Sample(ctx, SampleSize); err != nil {
		return nil, err
	}
	report.TookMs = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("written", written), attribute.Int("failed", len(failures)))

	if len(failures) > 0 {
		log.Printf("[IngestionService] 导入完成：写入 %d 条，失败 %d 条", written, len(failures))
		return report, &IngestionPartialFailure{Failures: failures, Written: written}
	}
	log.Printf("[IngestionService] 导入完成：写入 %d 条，耗时 %dms", written, report.TookMs)
	return report, nil
}

func (s *IngestionService) skipped(ctx context.Context, reason string, start time.Time) (*IngestReport, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	sample, err := s.store.Sample(ctx, SampleSize)
	if err != nil {
		return nil, err
	}
	return &IngestReport{
		Source:  s.source.Name(),
		Count:   count,
		Skipped: true,
		Reason:  reason,
		Sample:  sample,
		TookMs:  time.Since(start).Milliseconds(),
	}, nil
}

// embedAll 分批并发向量化，结果按下标写回 records；整批失败时逐条重试以定位失败记录
func (s *IngestionService) embedAll(ctx context.Context, records []model.Movie, progress func(done, total int)) ([]RecordFailure, error) {
	var (
		mu       sync.Mutex
		failures []RecordFailure
		done     int
	)
	report := func(n int) {
		if progress == nil {
			return
		}
		// 持锁回调，保证进度单调
		mu.Lock()
		defer mu.Unlock()
		done += n
		progress(done, len(records))
	}
	fail := func(title string, err error) {
		mu.Lock()
		failures = append(failures, RecordFailure{Title: title, Stage: StageEmbed, Message: err.Error(), Err: err})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbedConcurrency)

	for start := 0; start < len(records); start += s.cfg.EmbedBatchSize {
		end := start + s.cfg.EmbedBatchSize
		if end > len(records) {
			end = len(records)
		}
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, r := range records[start:end] {
				texts = append(texts, r.Description)
			}

			vecs, err := embedder.EmbedAll(gctx, s.embedder, texts)
			if err == nil {
				for i, vec := range vecs {
					records[start+i].Embedding = vec
				}
				report(end - start)
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}

			for i := start; i < end; i++ {
				vec, err := s.embedder.Embed(gctx, records[i].Description)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					log.Printf("[IngestionService] 向量化失败 %q: %v", records[i].Title, err)
					fail(records[i].Title, err)
				} else {
					records[i].Embedding = vec
				}
				report(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

// writeAll 分批写入；连接错误直接返回，其他写入错误记到该批每条记录上
func (s *IngestionService) writeAll(ctx context.Context, records []model.Movie) (int, []RecordFailure, error) {
	var failures []RecordFailure
	written := 0
	for start := 0; start < len(records); start += s.cfg.WriteBatchSize {
		end := start + s.cfg.WriteBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		n, err := s.store.UpsertAll(ctx, batch)
		if err != nil {
			if catalog.IsConnectionError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return written, nil, err
			}
			log.Printf("[IngestionService] 写入批次失败 (%d 条): %v", len(batch), err)
			for _, r := range batch {
				failures = append(failures, RecordFailure{Title: r.Title, Stage: StageWrite, Message: err.Error(), Err: err})
			}
			continue
		}
		written += n
	}
	return written, failures, nil
}
