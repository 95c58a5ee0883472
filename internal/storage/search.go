package storage

import (
	"sort"
	"strings"

	"easyagent-client/internal/model"
)

// matchSession 标题或任意消息内容包含关键字（不区分大小写）
func matchSession(session *model.Session, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(session.Title), q) {
		return true
	}
	for _, msg := range session.Messages {
		if strings.Contains(strings.ToLower(msg.Content), q) {
			return true
		}
	}
	return false
}

// sortByUpdated 最近更新的会话排在前面
func sortByUpdated(sessions []*model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

func cloneSession(session *model.Session) *model.Session {
	c := *session
	c.Messages = append([]model.Message(nil), session.Messages...)
	return &c
}

func messagePointers(messages []model.Message) []*model.Message {
	out := make([]*model.Message, len(messages))
	for i := range messages {
		msg := messages[i]
		out[i] = &msg
	}
	return out
}
