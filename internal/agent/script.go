package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"easyagent-client/internal/model"
	"easyagent-client/pkg/logger"
)

// ScenarioFile 剧本文件的顶层结构
type ScenarioFile struct {
	Default   string     `yaml:"default"`
	ChunkSize int        `yaml:"chunk_size"`
	Delay     string     `yaml:"delay"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario 按关键字匹配的一段剧本，相邻阶段之间是一次暂停
type Scenario struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Phases   []Phase  `yaml:"phases"`
}

type Phase struct {
	Steps   []Step                `yaml:"steps"`
	Answer  string                `yaml:"answer"`
	Message string                `yaml:"message"`
	Form    *model.FormDescriptor `yaml:"form"`
	Error   string                `yaml:"error"`
}

type Step struct {
	Agent       string   `yaml:"agent"`
	Description string   `yaml:"description"`
	Reason      string   `yaml:"reason"`
	Tasks       []string `yaml:"tasks"`
	Thinking    string   `yaml:"thinking"`
	Next        string   `yaml:"next"`
}

type pendingRun struct {
	scenario *Scenario
	next     int
	query    string
}

// ScriptRunner 按 YAML 剧本回放 Agent 事件，支持多次暂停/恢复
type ScriptRunner struct {
	path string

	mu      sync.Mutex
	file    ScenarioFile
	delay   time.Duration
	pending map[string]*pendingRun
}

// LoadScenarios 解析剧本内容
func LoadScenarios(data []byte) (ScenarioFile, error) {
	var f ScenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse scenarios: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return f, fmt.Errorf("parse scenarios: no scenarios defined")
	}
	for i, s := range f.Scenarios {
		if len(s.Phases) == 0 {
			return f, fmt.Errorf("parse scenarios: scenario %q has no phases", s.Name)
		}
		for j, p := range s.Phases[:len(s.Phases)-1] {
			if p.Form == nil {
				return f, fmt.Errorf("parse scenarios: scenario %q phase %d is followed by another phase but has no form", s.Name, j)
			}
		}
		if f.Scenarios[i].Name == "" {
			f.Scenarios[i].Name = fmt.Sprintf("scenario-%d", i)
		}
	}
	return f, nil
}

// NewScriptRunner 从文件加载剧本
func NewScriptRunner(path string) (*ScriptRunner, error) {
	r := &ScriptRunner{path: path, pending: make(map[string]*pendingRun)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewScriptRunnerFromFile 直接使用已解析的剧本，Reload 不会改变它
func NewScriptRunnerFromFile(f ScenarioFile) *ScriptRunner {
	r := &ScriptRunner{pending: make(map[string]*pendingRun)}
	r.setFile(f)
	return r
}

func (r *ScriptRunner) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read scenarios: %w", err)
	}
	f, err := LoadScenarios(data)
	if err != nil {
		return err
	}
	r.setFile(f)
	logger.Infof("Loaded %d scenarios from %s", len(f.Scenarios), r.path)
	return nil
}

func (r *ScriptRunner) setFile(f ScenarioFile) {
	var delay time.Duration
	if f.Delay != "" {
		d, err := time.ParseDuration(f.Delay)
		if err != nil {
			logger.Warnf("Invalid scenario delay %q: %v", f.Delay, err)
		} else {
			delay = d
		}
	}
	if f.ChunkSize <= 0 {
		f.ChunkSize = 8
	}

	r.mu.Lock()
	r.file = f
	r.delay = delay
	r.mu.Unlock()
}

// Agents 剧本里出现过的所有 Agent，用于没有配置目录时生成默认目录
func (r *ScriptRunner) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var names []string
	for _, s := range r.file.Scenarios {
		for _, p := range s.Phases {
			for _, st := range p.Steps {
				if st.Agent != "" && !seen[st.Agent] {
					seen[st.Agent] = true
					names = append(names, st.Agent)
				}
			}
		}
	}
	return names
}

func (r *ScriptRunner) Pending(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[sessionID]
	return ok
}

func (r *ScriptRunner) match(query string) *Scenario {
	q := strings.ToLower(query)
	var fallback *Scenario
	for i := range r.file.Scenarios {
		s := &r.file.Scenarios[i]
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				return s
			}
		}
		if s.Name == r.file.Default || (fallback == nil && len(s.Keywords) == 0) {
			fallback = s
		}
	}
	if fallback == nil {
		fallback = &r.file.Scenarios[0]
	}
	return fallback
}

func (r *ScriptRunner) Run(ctx context.Context, req RunRequest, emit Emit) error {
	r.mu.Lock()
	var (
		run    *pendingRun
		values map[string]interface{}
	)
	if req.Resume {
		p, ok := r.pending[req.SessionID]
		if !ok {
			r.mu.Unlock()
			return ErrNoPendingPause
		}
		delete(r.pending, req.SessionID)
		run = p
		if err := json.Unmarshal([]byte(req.Query), &values); err != nil {
			logger.Warnf("Resume payload for session %s is not a JSON object: %v", req.SessionID, err)
		}
	} else {
		delete(r.pending, req.SessionID)
		run = &pendingRun{scenario: r.match(req.Query), query: req.Query}
	}
	chunkSize, delay := r.file.ChunkSize, r.delay
	r.mu.Unlock()

	phase := run.scenario.Phases[run.next]
	logger.WithFields(map[string]interface{}{
		"session_id": req.SessionID,
		"scenario":   run.scenario.Name,
		"phase":      run.next,
	}).Debug("Playing scenario phase")

	p := &player{ctx: ctx, emit: emit, delay: delay}
	for _, st := range phase.Steps {
		if err := p.step(st); err != nil {
			return err
		}
	}

	if phase.Error != "" {
		return p.send(model.EventError, model.ErrorData{
			ErrorMessage: expand(phase.Error, run.query, values),
			ErrorType:    "ScenarioError",
		})
	}

	lastAgent := ""
	if n := len(phase.Steps); n > 0 {
		lastAgent = phase.Steps[n-1].Agent
	}

	if phase.Answer != "" {
		doc := answerDocument(expand(phase.Answer, run.query, values))
		for _, part := range chunk(doc, chunkSize) {
			if err := p.send(model.EventDelta, model.DeltaData{
				Content:       part,
				IsFinalOutput: true,
				AgentName:     lastAgent,
			}); err != nil {
				return err
			}
		}
	}

	if phase.Form == nil {
		if phase.Message != "" {
			return p.send(model.EventMessage, model.MessageData{
				Status:  "success",
				Message: expand(phase.Message, run.query, values),
			})
		}
		return nil
	}

	entry, err := json.Marshal(map[string]interface{}{
		"status":     "success",
		"agent_name": lastAgent,
		"data":       map[string]interface{}{"form_config": phase.Form},
		"message":    phase.Message,
	})
	if err != nil {
		return err
	}
	if run.next+1 < len(run.scenario.Phases) {
		r.mu.Lock()
		r.pending[req.SessionID] = &pendingRun{scenario: run.scenario, next: run.next + 1, query: run.query}
		r.mu.Unlock()
	}
	return p.send(model.EventPause, model.PauseData{
		Context:   []json.RawMessage{entry},
		Message:   phase.Message,
		AgentName: lastAgent,
		SessionID: req.SessionID,
	})
}

// expand 替换 {{query}} 和 {{字段名}} 占位符
func expand(text, query string, values map[string]interface{}) string {
	pairs := []string{"{{query}}", query}
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", formatValue(v))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

type player struct {
	ctx   context.Context
	emit  Emit
	delay time.Duration
}

func (p *player) send(t model.EventType, payload interface{}) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	} else if err := p.ctx.Err(); err != nil {
		return err
	}
	return emitData(p.emit, t, payload)
}

func (p *player) step(st Step) error {
	if err := p.send(model.EventAgentStart, model.AgentStartData{
		AgentName:        st.Agent,
		AgentDescription: st.Description,
	}); err != nil {
		return err
	}
	if st.Thinking != "" {
		if err := p.send(model.EventDelta, model.DeltaData{Content: st.Thinking, AgentName: st.Agent}); err != nil {
			return err
		}
	}
	return p.send(model.EventAgentEnd, model.AgentEndData{
		AgentName:            st.Agent,
		Status:               "success",
		NextAgent:            st.Next,
		AgentSelectionReason: st.Reason,
		TaskList:             st.Tasks,
	})
}
