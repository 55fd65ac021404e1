package portfolio

import "errors"

var (
	// 以下三个错误在排序准入时可恢复：跳过当前候选继续下一个。
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrPositionLimit    = errors.New("position limit reached")
	ErrBelowLotSize     = errors.New("quantity below lot size")

	// ErrNoPosition 表示对未持有的 ticker 卖出，说明状态已失步。
	ErrNoPosition = errors.New("no position")
)

// Recoverable 判断错误是否只影响当前候选。
func Recoverable(err error) bool {
	return errors.Is(err, ErrInsufficientCash) ||
		errors.Is(err, ErrPositionLimit) ||
		errors.Is(err, ErrBelowLotSize)
}
