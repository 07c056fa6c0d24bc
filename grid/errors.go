package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 网格或成交记录不存在
	ErrNotFound = errors.New("grid not found")
	// ErrStaleVersion 条件更新时版本号已变化（可重试）
	ErrStaleVersion = errors.New("grid version is stale")
	// ErrDuplicateID 创建时主键冲突
	ErrDuplicateID = errors.New("grid id already exists")
	// ErrTradeNotFound 成交记录不存在，errors.Is(err, ErrNotFound) 同样成立
	ErrTradeNotFound error = notFound("trade not found")
)

// notFound 细分的不存在错误，errors.Is 匹配 ErrNotFound
type notFound string

func (e notFound) Error() string { return string(e) }

func (e notFound) Is(target error) bool { return target == ErrNotFound }

// InvalidRangeError 价格区间非法（upper <= lower、负数或非有限值）。
type InvalidRangeError struct {
	Lower float64
	Upper float64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid grid range: lower=%v upper=%v (need 0 <= lower < upper)", e.Lower, e.Upper)
}

// InvalidGridCountError 网格数量非法（< 2、非整数或在 6 位精度下层级重叠）。
type InvalidGridCountError struct {
	Count  float64
	Reason string
}

func (e *InvalidGridCountError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid grid count %v", e.Count)
	}
	return fmt.Sprintf("invalid grid count %v: %s", e.Count, e.Reason)
}

// ValidationError 创建/输入校验失败，不可重试。每个违反的约束对应一个 Field。
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed on %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError 条件更新在有限次重试后仍然冲突。
type ConflictError struct {
	GridID   string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("grid %s: update conflict after %d attempts: %v", e.GridID, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsValidation 判断是否为校验类错误（含区间/数量错误）。
func IsValidation(err error) bool {
	var ve *ValidationError
	var re *InvalidRangeError
	var ce *InvalidGridCountError
	return errors.As(err, &ve) || errors.As(err, &re) || errors.As(err, &ce)
}
