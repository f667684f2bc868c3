package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

const (
	auditTruncateLimit = 2048

	auditRunning = "running"
	auditSuccess = "success"
	auditFailed  = "failed"
)

// AuditRecorder 持久化工具调用审计记录，由 storage.Storage 实现。
type AuditRecorder interface {
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
	UpdateAuditRecord(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// AuditedTool 在工具执行前后写审计记录。
type AuditedTool struct {
	impl   tool.InvokableTool
	store  AuditRecorder
	logger *slog.Logger
}

// wrapWithAudit 将工具包装为带审计功能的工具；store 为 nil 时原样返回。
func wrapWithAudit(t tool.InvokableTool, store AuditRecorder, logger *slog.Logger) tool.InvokableTool {
	if store == nil {
		return t
	}
	return &AuditedTool{impl: t, store: store, logger: logger}
}

func (t *AuditedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.impl.Info(ctx)
}

func (t *AuditedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	action := "unknown"
	if info, err := t.impl.Info(ctx); err == nil && info != nil {
		action = info.Name
	}

	now := time.Now().UTC()
	record := &storage.AuditRecord{
		TraceID:    GetTraceID(ctx),
		Agent:      string(agentNameFrom(ctx)),
		Action:     action,
		ParamsJSON: truncate(argumentsInJSON, auditTruncateLimit),
		Status:     auditRunning,
		StartedAt:  now,
	}
	// 审计失败只记日志，不阻断工具执行
	if err := t.store.InsertAuditRecord(ctx, record); err != nil {
		t.logger.Warn("insert audit record", "action", action, "error", err)
	}

	result, runErr := t.impl.InvokableRun(ctx, argumentsInJSON, opts...)

	if record.ID == 0 {
		return result, runErr
	}
	finishedAt := time.Now().UTC()
	status := auditSuccess
	up := storage.AuditUpdate{Status: &status, FinishedAt: &finishedAt}
	if runErr != nil {
		status = auditFailed
		e := truncate(runErr.Error(), auditTruncateLimit)
		up.ErrorMessage = &e
	} else {
		r := truncate(result, auditTruncateLimit)
		up.ResultJSON = &r
	}
	// 请求被取消时仍要落盘最终状态
	if err := t.store.UpdateAuditRecord(context.WithoutCancel(ctx), record.ID, up); err != nil {
		t.logger.Warn("update audit record", "action", action, "id", record.ID, "error", err)
	}

	return result, runErr
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
