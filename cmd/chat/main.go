package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"

	"easyagent-client/internal/client"
	"easyagent-client/internal/config"
	"easyagent-client/internal/conversation"
	"easyagent-client/internal/form"
	"easyagent-client/internal/model"
	"easyagent-client/internal/service"
	"easyagent-client/internal/storage"
	"easyagent-client/pkg/logger"
)

const help = `commands:
  /new                 start a new conversation
  /list                list conversations on the backend
  /search <text>       search conversations by title or content
  /load <session_id>   continue a saved conversation
  /title <text>        rename the current conversation
  /delete <session_id> delete a conversation on the backend
  /export <session_id> [file]
  /agents              list agents
  /health              backend health
  /backup              back up local transcripts
  /quit`

type app struct {
	api   *client.Client
	store storage.Storage
	svc   *service.ChatService
	in    *bufio.Reader
	out   io.Writer
}

func main() {
	var (
		configPath string
		sessionID  string
	)
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.StringVar(&sessionID, "session", "", "启动时恢复的会话ID")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 终端属于对话内容，日志写到 stderr 或文件
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	logger.SetOutput(os.Stderr)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	params := model.LLMParams{
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		TopK:        cfg.LLM.TopK,
	}

	a := &app{
		api:   client.New(cfg.Client),
		store: store,
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
	}
	a.svc = service.NewChatService(a.api, store, params, newRenderer(a.out).listener())

	if sessionID != "" {
		a.load(context.Background(), sessionID)
	}

	fmt.Fprintf(a.out, "connected to %s, /help for commands\n", cfg.Client.BaseURL)
	a.loop()
}

func (a *app) loop() {
	for {
		fmt.Fprint(a.out, "\nyou> ")
		line, err := a.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if !a.handle(line) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handle 执行一行输入，返回 false 表示退出
func (a *app) handle(line string) bool {
	ctx := context.Background()
	if !strings.HasPrefix(line, "/") {
		a.send(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(a.out, help)
	case "/new":
		a.svc.NewConversation()
		fmt.Fprintln(a.out, "new conversation")
	case "/list":
		sessions, err := a.api.ListConversations(ctx)
		if a.report(err) {
			printSessions(a.out, sessions)
		}
	case "/search":
		sessions, err := a.api.SearchConversations(ctx, arg)
		if a.report(err) {
			printSessions(a.out, sessions)
		}
	case "/load":
		a.load(ctx, arg)
	case "/title":
		a.rename(ctx, arg)
	case "/delete":
		if a.report(a.api.DeleteConversation(ctx, arg)) {
			if err := a.store.DeleteSession(arg); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
				logger.Warnf("delete local transcript %s: %v", arg, err)
			}
			if a.svc.SessionID() == arg {
				a.svc.NewConversation()
			}
			fmt.Fprintln(a.out, "deleted")
		}
	case "/export":
		a.export(ctx, arg)
	case "/agents":
		resp, err := a.api.ListAgents(ctx)
		if a.report(err) {
			for _, ag := range resp.Agents {
				state := "inactive"
				if ag.IsActive {
					state = "active"
				}
				fmt.Fprintf(a.out, "%-20s %-8s %s\n", ag.Name, state, ag.Description)
			}
		}
	case "/backup":
		err := a.store.Backup()
		if errors.Is(err, storage.ErrBackupUnsupported) {
			fmt.Fprintln(a.out, "local storage is in memory, nothing to back up")
		} else if a.report(err) {
			fmt.Fprintln(a.out, "backup written")
		}
	case "/health":
		resp, err := a.api.Health(ctx)
		if a.report(err) {
			fmt.Fprintf(a.out, "%s %s v%s, %d agents\n", resp.Service, resp.Status, resp.Version, resp.AgentsLoaded)
		}
	default:
		fmt.Fprintf(a.out, "unknown command %s\n", cmd)
	}
	return true
}

func (a *app) report(err error) bool {
	if err == nil {
		return true
	}
	if client.IsNotFound(err) {
		fmt.Fprintln(a.out, "not found")
		return false
	}
	fmt.Fprintf(a.out, "[error] %v\n", err)
	return false
}

// send 发送一轮对话，Ctrl-C 取消当前流；暂停时进入表单流程
func (a *app) send(query string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	status, err := a.svc.Send(ctx, query)
	stop()
	if err != nil {
		logger.Debugf("send finished: %v", err)
	}

	for status == conversation.TurnPaused {
		status = a.fillForm()
	}
	fmt.Fprintln(a.out)
}

func (a *app) fillForm() conversation.TurnStatus {
	st := a.svc.State()
	reply := st.Turn.Reply
	if msg := pauseMessage(reply.PausePayload); msg != "" {
		fmt.Fprintf(a.out, "\n\n%s\n", msg)
	}
	if reply.Form == nil {
		fmt.Fprintln(a.out, "\n[paused without a form, send a message to continue]")
		return conversation.TurnIdle
	}

	for {
		values, err := form.Collect(*reply.Form, a.in, a.out)
		var verr *form.ValidationError
		switch {
		case errors.Is(err, form.ErrAborted):
			fmt.Fprintln(a.out, "\n[form left unsubmitted]")
			return conversation.TurnIdle
		case errors.As(err, &verr):
			fmt.Fprintf(a.out, "%v\n", verr)
			continue
		case err != nil:
			fmt.Fprintf(a.out, "[error] %v\n", err)
			return conversation.TurnIdle
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		status, err := a.svc.Resume(ctx, st.SessionID, values)
		stop()
		if errors.As(err, &verr) {
			fmt.Fprintf(a.out, "%v\n", verr)
			continue
		}
		switch {
		case err != nil && status == conversation.TurnIdle:
			// 请求未发出，监听器不会收到这个错误
			fmt.Fprintf(a.out, "[error] %v\n", err)
		case err != nil:
			logger.Debugf("resume finished: %v", err)
		}
		return status
	}
}

// load 优先使用本地记录，本地没有时从后端拉取
func (a *app) load(ctx context.Context, sessionID string) {
	if sessionID == "" {
		fmt.Fprintln(a.out, "usage: /load <session_id>")
		return
	}
	err := a.svc.Load(sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		var session *model.Session
		session, err = a.api.GetConversation(ctx, sessionID)
		if err == nil {
			a.svc.Restore(*session)
		}
	}
	if !a.report(err) {
		return
	}
	printTranscript(a.out, a.svc.State().Messages())
}

func (a *app) rename(ctx context.Context, title string) {
	sid := a.svc.SessionID()
	if sid == "" || title == "" {
		fmt.Fprintln(a.out, "usage: /title <text> (inside a conversation)")
		return
	}
	if _, err := a.api.UpdateConversationTitle(ctx, sid, title); !a.report(err) {
		return
	}
	a.svc.Rename(title)
}

func (a *app) export(ctx context.Context, arg string) {
	sid, file, _ := strings.Cut(arg, " ")
	if sid == "" {
		sid = a.svc.SessionID()
	}
	if sid == "" {
		fmt.Fprintln(a.out, "usage: /export <session_id> [file]")
		return
	}
	exp, err := a.api.ExportConversation(ctx, sid)
	if !a.report(err) {
		return
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if !a.report(err) {
		return
	}
	file = strings.TrimSpace(file)
	if file == "" {
		fmt.Fprintln(a.out, string(data))
		return
	}
	if a.report(os.WriteFile(file, data, 0o644)) {
		fmt.Fprintf(a.out, "exported %d messages to %s\n", len(exp.Messages), file)
	}
}

func pauseMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Message
}
