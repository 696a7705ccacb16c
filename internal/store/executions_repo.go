package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/sigrouter/internal/ports"
)

// RecordExecution 写入一条执行记录（模拟执行同样落库，只是带 simulation 标记）
func (s *Store) RecordExecution(ctx context.Context, rec ports.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id, fingerprint, caller, symbol, side, size, adapter_id, status, order_id, filled_amount, error, latency_ms, simulation, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, rec.ID, rec.Fingerprint, rec.CallerIdentity, rec.Symbol, rec.Side, rec.Size.String(), rec.AdapterID, rec.Status,
		nullString(rec.OrderID), rec.FilledAmount.String(), nullString(rec.ErrorMessage), rec.LatencyMs,
		boolToInt(rec.Simulation), rec.CreatedAt.UTC().Format(timeLayout))
	return err
}

// ListExecutions 按时间倒序返回最近的执行记录
func (s *Store) ListExecutions(ctx context.Context, limit int, includeSimulation bool) ([]ports.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, fingerprint, caller, symbol, side, size, adapter_id, status, order_id, filled_amount, error, latency_ms, simulation, created_at
FROM executions
WHERE (? = 1 OR simulation = 0)
ORDER BY created_at DESC
LIMIT ?
`, boolToInt(includeSimulation), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.ExecutionRecord
	for rows.Next() {
		var (
			r         ports.ExecutionRecord
			size      string
			orderID   sql.NullString
			filled    sql.NullString
			errStr    sql.NullString
			sim       int
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.CallerIdentity, &r.Symbol, &r.Side, &size, &r.AdapterID, &r.Status,
			&orderID, &filled, &errStr, &r.LatencyMs, &sim, &createdAt); err != nil {
			return nil, err
		}
		r.Size, _ = decimal.NewFromString(size)
		if filled.Valid {
			r.FilledAmount, _ = decimal.NewFromString(filled.String)
		}
		r.OrderID = orderID.String
		r.ErrorMessage = errStr.String
		r.Simulation = sim != 0
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExecutionStats 执行统计；partial 计入成功
type ExecutionStats struct {
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	Partial      int     `json:"partial"`
	Failed       int     `json:"failed"`
	Rejected     int     `json:"rejected"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SuccessRate (success+partial) / (total-rejected)
func (st ExecutionStats) SuccessRate() float64 {
	n := st.Total - st.Rejected
	if n <= 0 {
		return 0
	}
	return float64(st.Success+st.Partial) / float64(n)
}

// Stats 汇总统计；excludeSimulation 为 true 时忽略模拟执行
func (s *Store) Stats(ctx context.Context, excludeSimulation bool) (ExecutionStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*), COALESCE(AVG(latency_ms), 0)
FROM executions
WHERE (? = 0 OR simulation = 0)
GROUP BY status
`, boolToInt(excludeSimulation))
	if err != nil {
		return ExecutionStats{}, err
	}
	defer rows.Close()

	var (
		st         ExecutionStats
		latencySum float64
	)
	for rows.Next() {
		var (
			status string
			n      int
			avg    float64
		)
		if err := rows.Scan(&status, &n, &avg); err != nil {
			return ExecutionStats{}, err
		}
		st.Total += n
		latencySum += avg * float64(n)
		switch status {
		case "success":
			st.Success = n
		case "partial":
			st.Partial = n
		case "failed":
			st.Failed = n
		case "rejected":
			st.Rejected = n
		}
	}
	if err := rows.Err(); err != nil {
		return ExecutionStats{}, err
	}
	if st.Total > 0 {
		st.AvgLatencyMs = latencySum / float64(st.Total)
	}
	return st, nil
}
