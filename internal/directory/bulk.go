package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBatchSize 默认批量大小
const DefaultBatchSize = 50

// BulkResult 批量导入结果（部分成功是正常结果）
type BulkResult struct {
	Created    []domain.ContactRecord
	Updated    []domain.ContactRecord
	Duplicates []domain.ContactRecord
	Errors     []domain.ItemError
	Batches    int
}

// Merge 合并另一批的结果
func (r *BulkResult) Merge(o BulkResult) {
	r.Created = append(r.Created, o.Created...)
	r.Updated = append(r.Updated, o.Updated...)
	r.Duplicates = append(r.Duplicates, o.Duplicates...)
	r.Errors = append(r.Errors, o.Errors...)
	r.Batches += o.Batches
}

// Synced 远端已确认存在的全部记录
func (r BulkResult) Synced() []domain.ContactRecord {
	out := make([]domain.ContactRecord, 0, len(r.Created)+len(r.Updated)+len(r.Duplicates))
	out = append(out, r.Created...)
	out = append(out, r.Updated...)
	return append(out, r.Duplicates...)
}

type bulkRequest struct {
	Contacts  []wireContact `json:"contacts"`
	BatchSize int           `json:"batchSize"`
}

type bulkResponse struct {
	Created    []json.RawMessage `json:"created"`
	Updated    []json.RawMessage `json:"updated"`
	Duplicates []json.RawMessage `json:"duplicates"`
	Errors     []struct {
		Phone   string `json:"phone"`
		Contact *struct {
			Phone string `json:"phone"`
		} `json:"contact"`
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"errors"`
}

// BulkImport 按 batchSize 拆批调用 POST /contacts/bulk-import，批与批之间串行
// 单批重试耗尽后该批记录全部进入 Errors，继续下一批；只有认证失败与调用方取消会中断
func (c *Client) BulkImport(ctx context.Context, records []domain.ContactRecord, batchSize int) (BulkResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var result BulkResult
	for start := 0; start < len(records); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(start+batchSize, len(records))
		batch := records[start:end]

		res, err := c.importBatch(ctx, batch, batchSize)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) || ctx.Err() != nil {
				return result, err
			}
			c.logger.Warn("Bulk import batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_len", len(batch)),
				zap.Error(err),
			)
			for _, rec := range batch {
				res.Errors = append(res.Errors, domain.ItemError{ID: rec.ID, Phone: rec.Phone, Err: err})
			}
			res.Batches = 1
		}
		result.Merge(res)
	}

	c.logger.Info("Bulk import finished",
		zap.Int("records", len(records)),
		zap.Int("batches", result.Batches),
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("duplicates", len(result.Duplicates)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (c *Client) importBatch(ctx context.Context, batch []domain.ContactRecord, batchSize int) (BulkResult, error) {
	req := bulkRequest{Contacts: make([]wireContact, 0, len(batch)), BatchSize: batchSize}
	for _, rec := range batch {
		req.Contacts = append(req.Contacts, contactPayload(rec))
	}

	var body []byte
	err := c.readRetry.Do(ctx, func(ctx context.Context) error {
		b, err := c.send(ctx, "bulk import", http.MethodPost, "/contacts/bulk-import", c.bulkTimeout, func(r *resty.Request) {
			r.SetBody(req)
		})
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return BulkResult{}, err
	}

	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return BulkResult{}, fmt.Errorf("bulk import: failed to decode response: %w", err)
	}

	res := BulkResult{Batches: 1}
	if res.Created, err = decodeContacts(resp.Created); err != nil {
		return BulkResult{}, fmt.Errorf("bulk import: %w", err)
	}
	if res.Updated, err = decodeContacts(resp.Updated); err != nil {
		return BulkResult{}, fmt.Errorf("bulk import: %w", err)
	}
	if res.Duplicates, err = decodeContacts(resp.Duplicates); err != nil {
		return BulkResult{}, fmt.Errorf("bulk import: %w", err)
	}
	for _, e := range resp.Errors {
		p := e.Phone
		if p == "" && e.Contact != nil {
			p = e.Contact.Phone
		}
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		res.Errors = append(res.Errors, domain.ItemError{Phone: phone.Normalize(p), Err: errors.New(msg)})
	}
	return res, nil
}
