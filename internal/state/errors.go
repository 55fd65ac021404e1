package state

import "errors"

var (
	// ErrPersistence 表示保存失败，运行必须在推进日期前停止。
	ErrPersistence = errors.New("persistence failure")
	// ErrUnknownPool 表示 pool id 不存在。
	ErrUnknownPool = errors.New("unknown pool")
)
