package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bob-contactsync/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PushResult 推送结果；部分成功是正常结果
type PushResult struct {
	Chunks int
	// Synced 推送成功的记录（已带远端 ID），OriginalIDs 与之一一对应
	Synced      []domain.ContactRecord
	OriginalIDs []string
	Errors      []domain.ItemError
	// Skipped 因取消或认证失败未处理的记录数
	Skipped int
}

// Chunk 按 size 切分，每条记录恰好出现在一个 chunk 中
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Push 分块推送待同步记录
// chunk 之间串行；chunk 内按 FanOut 并发；chunk 失败按 ChunkRetry 退避重试（只重试可重试的失败记录）。
// 取消在 chunk 之间检查，进行中的请求会完成；认证失败立即停止。
func (o *Orchestrator) Push(ctx context.Context, pending []domain.ContactRecord) (PushResult, error) {
	var result PushResult
	chunks := Chunk(pending, o.opts.ChunkSize)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			result.Skipped += remaining(chunks[i:])
			o.logger.Info("Push cancelled between chunks",
				zap.Int("chunks_done", i),
				zap.Int("skipped", result.Skipped),
			)
			return result, err
		}

		synced, ids, failed, err := o.pushChunk(ctx, chunk)
		result.Chunks++
		result.Synced = append(result.Synced, synced...)
		result.OriginalIDs = append(result.OriginalIDs, ids...)
		result.Errors = append(result.Errors, failed...)

		o.logger.Debug("Chunk pushed",
			zap.Int("chunk", i),
			zap.Int("size", len(chunk)),
			zap.Int("synced", len(synced)),
			zap.Int("failed", len(failed)),
		)

		if err != nil {
			result.Skipped += remaining(chunks[i+1:])
			return result, err
		}
	}

	o.logger.Info("Push finished",
		zap.Int("records", len(pending)),
		zap.Int("chunks", result.Chunks),
		zap.Int("synced", len(result.Synced)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func remaining[T any](chunks [][]T) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

// pushChunk 处理一个 chunk；返回的 error 只在需要中断整个 push 时非空（认证失败）
func (o *Orchestrator) pushChunk(ctx context.Context, chunk []domain.ContactRecord) ([]domain.ContactRecord, []string, []domain.ItemError, error) {
	// 进行中的请求不随调用方取消而中断，避免单条记录写一半
	reqCtx := context.WithoutCancel(ctx)

	var (
		mu       sync.Mutex
		synced   []domain.ContactRecord
		ids      []string
		failed   []domain.ItemError
		lastErrs = make(map[int]error)
		fatal    error
	)
	todo := make([]int, len(chunk))
	for i := range todo {
		todo[i] = i
	}

	policy := o.opts.ChunkRetry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		o.logger.Warn("Chunk push failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("records", len(todo)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	retryErr := policy.Do(ctx, func(context.Context) error {
		var g errgroup.Group
		g.SetLimit(o.opts.FanOut)
		var retryable []int
		for _, idx := range todo {
			g.Go(func() error {
				rec := chunk[idx]
				out, err := o.pushOne(reqCtx, rec)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					synced = append(synced, out)
					ids = append(ids, rec.ID)
					delete(lastErrs, idx)
				case errors.Is(err, domain.ErrUnauthenticated):
					fatal = err
					lastErrs[idx] = err
				case domain.Retryable(err):
					retryable = append(retryable, idx)
					lastErrs[idx] = err
				default:
					failed = append(failed, domain.ItemError{ID: rec.ID, Phone: rec.Phone, Err: err})
					delete(lastErrs, idx)
				}
				return nil
			})
		}
		_ = g.Wait()

		if fatal != nil {
			return fatal
		}
		todo = retryable
		if len(todo) > 0 {
			return fmt.Errorf("%w: %d records failed in chunk", domain.ErrNetworkFailure, len(todo))
		}
		return nil
	})

	for idx, err := range lastErrs {
		if retryErr != nil && !errors.Is(retryErr, domain.ErrNetworkFailure) && !errors.Is(retryErr, domain.ErrUnauthenticated) {
			// 退避等待期间被取消
			err = fmt.Errorf("%w (last error: %v)", retryErr, err)
		}
		rec := chunk[idx]
		failed = append(failed, domain.ItemError{ID: rec.ID, Phone: rec.Phone, Err: err})
	}

	if fatal != nil {
		return synced, ids, failed, fatal
	}
	return synced, ids, failed, nil
}

// errNoRemoteID 远端应答中没有记录 ID（不重试，记录保持待推送）
var errNoRemoteID = errors.New("remote returned no id")

// pushOne 推送单条记录：未同步的走创建（已存在则直接取回），已同步的走更新
func (o *Orchestrator) pushOne(ctx context.Context, rec domain.ContactRecord) (domain.ContactRecord, error) {
	var (
		remote domain.ContactRecord
		err    error
	)
	if rec.IsSynced() {
		remote, err = o.directory.Update(ctx, rec.Remote, rec)
		if errors.Is(err, domain.ErrNotFound) {
			// 远端已删除：按新记录重新创建
			remote, _, err = o.directory.CreateOrGet(ctx, rec)
		}
	} else {
		remote, _, err = o.directory.CreateOrGet(ctx, rec)
	}
	if err != nil {
		return domain.ContactRecord{}, err
	}

	out := rec
	if !out.AssignRemote(remote.Remote) {
		return domain.ContactRecord{}, fmt.Errorf("push %s: %w", rec.Phone, errNoRemoteID)
	}
	out.PendingPush = false
	out.LastUpdated = o.now().UTC()
	return out, nil
}
