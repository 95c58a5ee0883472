package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"easyagent-client/internal/conversation"
	"easyagent-client/internal/model"
	"easyagent-client/internal/service"
)

// renderer 增量打印当前轮次：新出现的思考步骤和回答的新增部分
type renderer struct {
	out io.Writer

	mu      sync.Mutex
	replyID string
	steps   []model.ThinkStep
	content string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) listener() service.Listener {
	return service.ListenerFuncs{
		Update:  r.update,
		Session: func(id string) { fmt.Fprintf(r.out, "\n[session %s]\n", id) },
		Title:   func(title string) { fmt.Fprintf(r.out, "[title: %s]\n", title) },
		Error:   func(err error) { fmt.Fprintf(r.out, "\n[error] %v\n", err) },
	}
}

func (r *renderer) update(s conversation.State) {
	if !s.Turn.Active() && s.Turn.Status != conversation.TurnDone {
		return
	}
	reply := s.Turn.Reply

	r.mu.Lock()
	defer r.mu.Unlock()

	if reply.ID != r.replyID {
		r.replyID = reply.ID
		r.steps = nil
		r.content = ""
	}

	for i, step := range reply.ThinkSteps {
		if i < len(r.steps) {
			r.patchStep(i, step)
			continue
		}
		fmt.Fprintf(r.out, "\n  > %s", step.AgentName)
		r.steps = append(r.steps, model.ThinkStep{AgentName: step.AgentName})
		r.patchStep(i, step)
	}

	switch {
	case reply.Content == r.content:
	case strings.HasPrefix(reply.Content, r.content):
		if r.content == "" {
			fmt.Fprint(r.out, "\n\n")
		}
		fmt.Fprint(r.out, reply.Content[len(r.content):])
		r.content = reply.Content
	default:
		fmt.Fprintf(r.out, "\n\n%s", reply.Content)
		r.content = reply.Content
	}
}

// patchStep 打印步骤上新补充的原因和任务
func (r *renderer) patchStep(i int, step model.ThinkStep) {
	seen := &r.steps[i]
	if step.Reason != "" && step.Reason != seen.Reason {
		fmt.Fprintf(r.out, "\n    reason: %s", step.Reason)
		seen.Reason = step.Reason
	}
	if step.Task != "" && step.Task != seen.Task {
		fmt.Fprintf(r.out, "\n    task: %s", step.Task)
		seen.Task = step.Task
	}
}

func printTranscript(out io.Writer, messages []model.Message) {
	for _, m := range messages {
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintf(out, "\nyou> %s\n", m.Content)
		case model.RoleError:
			fmt.Fprintf(out, "[error] %s\n", m.Content)
		default:
			for _, step := range m.ThinkSteps {
				fmt.Fprintf(out, "  > %s\n", step.AgentName)
			}
			if m.Content != "" {
				fmt.Fprintln(out, m.Content)
			}
			if m.Form != nil && !m.IsFormSubmitted {
				fmt.Fprintf(out, "[form pending: %s]\n", m.Form.FormTitle)
			}
		}
	}
}

func printSessions(out io.Writer, sessions []model.SessionResponse) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  %-30s  %3d msgs  %s\n",
			s.SessionID, s.Title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}
