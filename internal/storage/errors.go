package storage

import "errors"

var (
	// ErrSessionNotFound 会话ID不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidData 会话为空、ID 非法或持久化内容无法解析
	ErrInvalidData = errors.New("invalid data")
	ErrStorageInit = errors.New("storage initialization failed")
	// ErrFileOperation 磁盘或数据库读写失败，原始错误附在消息中
	ErrFileOperation = errors.New("file operation failed")
	// ErrBackupUnsupported 后端没有持久介质
	ErrBackupUnsupported = errors.New("backup not supported by this storage")
)
