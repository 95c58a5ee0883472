package conversation

import (
	"encoding/json"
	"slices"

	"easyagent-client/internal/model"
	"easyagent-client/internal/stream"
	"easyagent-client/internal/utils"
)

// Apply 把一个事件折叠进状态，返回新状态和需要通知调用方的结果
func (s State) Apply(ev stream.Event) (State, Outcome) {
	f := &folder{state: s}
	ev.Accept(f)
	return f.state, f.outcome
}

// ApplyAll 依次折叠多个事件，结果按顺序合并
func (s State) ApplyAll(events ...stream.Event) (State, []Outcome) {
	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		var out Outcome
		s, out = s.Apply(ev)
		outcomes = append(outcomes, out)
	}
	return s, outcomes
}

type folder struct {
	state   State
	outcome Outcome
}

var _ stream.Handler = (*folder)(nil)

func (f *folder) OnDelta(e stream.Delta) {
	t := &f.state.Turn
	if t.Status != TurnStreaming || !e.IsFinalOutput {
		return
	}

	t.raw += e.Content
	if answer, ok := utils.ExtractAnswer(t.raw); ok && answer != t.Reply.Content {
		t.Reply.Content = answer
		f.outcome.Changed = true
	}
}

func (f *folder) OnAgentStart(e stream.AgentStart) {
	t := &f.state.Turn
	if t.Status != TurnStreaming {
		return
	}
	t.Reply.ThinkSteps = append(slices.Clip(t.Reply.ThinkSteps), model.ThinkStep{AgentName: e.AgentName})
	f.outcome.Changed = true
}

func (f *folder) OnAgentEnd(e stream.AgentEnd) {
	steps := f.state.Turn.Reply.ThinkSteps
	if f.state.Turn.Status != TurnStreaming || len(steps) == 0 || steps[len(steps)-1].AgentName != e.AgentName {
		return
	}
	f.patchLastStep(e.AgentSelectionReason, e.TaskList)
}

func (f *folder) OnMessage(e stream.Message) {
	if f.state.Turn.Status != TurnStreaming || len(f.state.Turn.Reply.ThinkSteps) == 0 {
		return
	}
	f.patchLastStep(e.AgentSelectionReason, e.TaskList)
}

func (f *folder) patchLastStep(reason string, tasks []string) {
	steps := slices.Clone(f.state.Turn.Reply.ThinkSteps)
	last := &steps[len(steps)-1]
	if reason != "" {
		last.Reason = reason
	}
	if len(tasks) > 0 && tasks[0] != "" {
		last.Task = tasks[0]
	}
	f.state.Turn.Reply.ThinkSteps = steps
	f.outcome.Changed = true
}

func (f *folder) OnPause(e stream.Pause) {
	t := &f.state.Turn
	if t.Status != TurnStreaming {
		return
	}
	t.Status = TurnPaused
	t.Reply.IsThinkingComplete = true
	t.Reply.PausePayload = slices.Clone(e.Raw)
	t.Reply.Form = latestForm(e.Context)
	t.Reply.IsFormSubmitted = false

	f.outcome.Changed = true
	f.outcome.Paused = true
}

func (f *folder) OnMetadata(e stream.Metadata) {
	s := &f.state
	if s.SessionID == "" && e.SessionID != "" {
		s.SessionID = e.SessionID
		if s.Turn.Reply.SessionID == "" {
			s.Turn.Reply.SessionID = e.SessionID
		}
		f.outcome.SessionAdopted = e.SessionID
	}
	if e.Title != "" && e.Title != s.Title && (e.TitleUpdated || s.Title == "") {
		s.Title = e.Title
		f.outcome.TitleChanged = e.Title
	}
}

func (f *folder) OnError(e stream.Error) {
	f.state = f.state.fail(e.ErrorMessage)
	f.outcome.Changed = true
	f.outcome.Err = &EventError{
		Message:     e.ErrorMessage,
		Type:        e.ErrorType,
		Recoverable: e.Recoverable,
	}
}

func (f *folder) OnDone() {
	t := &f.state.Turn
	switch t.Status {
	case TurnStreaming:
		t.Status = TurnDone
		t.Reply.IsThinkingComplete = true
		f.outcome.Changed = true
		f.outcome.Done = true
	case TurnPaused:
		f.outcome.Done = true
	}
}

// latestForm 从后往前找最近一个携带 data.form_config 的上下文条目
func latestForm(entries []json.RawMessage) *model.FormDescriptor {
	for i := len(entries) - 1; i >= 0; i-- {
		var entry struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(entries[i], &entry); err != nil || len(entry.Data) == 0 {
			continue
		}
		var data struct {
			FormConfig *model.FormDescriptor `json:"form_config"`
		}
		if err := json.Unmarshal(entry.Data, &data); err != nil || data.FormConfig == nil {
			continue
		}
		return data.FormConfig
	}
	return nil
}
