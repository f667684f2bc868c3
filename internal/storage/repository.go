package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// UpsertKnowledgeChunks 按 ID 覆盖写入分片。
func (s *Storage) UpsertKnowledgeChunks(ctx context.Context, chunks []KnowledgeChunk) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := upsertChunks(s.db.WithContext(ctx), chunks); err != nil {
		return fmt.Errorf("upsert knowledge chunks: %w", err)
	}
	return nil
}

// ReplaceKnowledgeSource 在一个事务内删除 source 的旧分片并写入 chunks，
// 重新导入变短的文档不会留下多余分片，也不影响其他来源。
func (s *Storage) ReplaceKnowledgeSource(ctx context.Context, source string, chunks []KnowledgeChunk) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source = ?", source).Delete(&KnowledgeChunk{}).Error; err != nil {
			return fmt.Errorf("delete knowledge source %s: %w", source, err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := upsertChunks(tx, chunks); err != nil {
			return fmt.Errorf("insert knowledge source %s: %w", source, err)
		}
		return nil
	})
}

func upsertChunks(db *gorm.DB, chunks []KnowledgeChunk) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "page_number", "chunk_index", "subtopic", "text", "embedding", "updated_at"}),
	}).CreateInBatches(chunks, 100).Error
}

// ListKnowledgeChunks 返回全部分片（含向量），用于暴力相似度扫描。
func (s *Storage) ListKnowledgeChunks(ctx context.Context) ([]KnowledgeChunk, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []KnowledgeChunk
	if err := s.db.WithContext(ctx).Order("page_number ASC, chunk_index ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list knowledge chunks: %w", err)
	}
	return out, nil
}

func (s *Storage) CountKnowledgeChunks(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&KnowledgeChunk{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count knowledge chunks: %w", err)
	}
	return n, nil
}

// DeleteKnowledgeSource 删除某个来源文件的全部分片，返回删除条数。
func (s *Storage) DeleteKnowledgeSource(ctx context.Context, source string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("source = ?", source).Delete(&KnowledgeChunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete knowledge source: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AuditQuery 用于查询审计记录的过滤条件，零值字段不参与过滤。
type AuditQuery struct {
	TraceID string
	Agent   string
	Action  string
	Status  string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	Desc  bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.Agent != "" {
		db = db.Where("agent = ?", q.Agent)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC, id DESC")
	} else {
		db = db.Order("created_at ASC, id ASC")
	}

	var out []AuditRecord
	if err := db.Limit(normalizeLimit(q.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "audit record", ID: id}
	}
	return nil
}

func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&AuditRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// DeleteAuditRecordsBeforeLimited 按批删除 CreatedAt 早于 before 的记录，
// 单批上限见 normalizeDeleteLimit，调用方循环直到返回 0。
func (s *Storage) DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	var ids []uint64
	err := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Where("created_at < ?", before).
		Order("id ASC").
		Limit(normalizeDeleteLimit(limit)).
		Find(&ids).Error
	if err != nil {
		return 0, fmt.Errorf("select audit ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) DeleteAuditRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		n, err := s.DeleteAuditRecordsBeforeLimited(ctx, before, maxDeleteLimit)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// DeleteAuditRecordsKeepLatest 只保留最新的 keep 条记录。
func (s *Storage) DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if keep < 0 {
		keep = 0
	}
	keepIDs := s.db.Model(&AuditRecord{}).Select("id").Order("id DESC").Limit(keep)
	res := s.db.WithContext(ctx).Where("id NOT IN (?)", keepIDs).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}
