package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoLimit 没有为该调用方配置上限且没有兜底
var ErrNoLimit = errors.New("no position limit configured")

// MaxPositionSize 先查 position_limits 表，没有则交给兜底（通常是配置文件里的默认值）
func (s *Store) MaxPositionSize(ctx context.Context, caller string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT max_size FROM position_limits WHERE caller=?`, caller).Scan(&raw)
	switch {
	case err == nil:
		d, perr := decimal.NewFromString(raw)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("invalid stored limit for %s: %w", caller, perr)
		}
		return d, nil
	case errors.Is(err, sql.ErrNoRows):
		if s.fallback == nil {
			return decimal.Zero, ErrNoLimit
		}
		return s.fallback.MaxPositionSize(ctx, caller)
	default:
		return decimal.Zero, err
	}
}

// SetPositionLimit 设置（覆盖）调用方上限
func (s *Store) SetPositionLimit(ctx context.Context, caller string, limit decimal.Decimal) error {
	if caller == "" {
		return errors.New("caller is required")
	}
	if !limit.IsPositive() {
		return fmt.Errorf("max position size must be positive, got %s", limit)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO position_limits (caller, max_size, updated_at) VALUES (?,?,?)
ON CONFLICT(caller) DO UPDATE SET max_size=excluded.max_size, updated_at=excluded.updated_at
`, caller, limit.String(), time.Now().UTC().Format(timeLayout))
	return err
}

// DeletePositionLimit 删除调用方上限，之后回落到兜底
func (s *Store) DeletePositionLimit(ctx context.Context, caller string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM position_limits WHERE caller=?`, caller)
	return err
}
