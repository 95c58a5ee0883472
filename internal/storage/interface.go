package storage

import (
	"errors"
	"fmt"
	"time"

	"easyagent-client/internal/config"
	"easyagent-client/internal/model"
)

type Storage interface {
	// 会话管理
	CreateSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)
	SearchSessions(query string) ([]*model.Session, error)

	// 消息管理
	AddMessage(sessionID string, message *model.Message) error
	GetMessages(sessionID string) ([]*model.Message, error)

	// 存储管理
	Init() error
	Close() error
	Backup() error
}

// New 按配置创建并初始化存储
func New(cfg config.StorageConfig) (Storage, error) {
	var s Storage
	switch cfg.Type {
	case "", "memory":
		s = NewMemoryStorage()
	case "disk":
		s = NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	case "sqlite":
		s = NewSQLiteStorage(cfg.DBPath)
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", ErrStorageInit, cfg.Type)
	}

	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save 会话不存在时创建，存在时整体覆盖，并刷新时间戳
func Save(s Storage, session *model.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	err := s.UpdateSession(session)
	if errors.Is(err, ErrSessionNotFound) {
		return s.CreateSession(session)
	}
	return err
}
