// Command chatcli is a terminal client for the chat gateway.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/client/attachment"
	"marketplace-chat/internal/client/chaterr"
	"marketplace-chat/internal/client/chatlist"
	"marketplace-chat/internal/client/session"
	"marketplace-chat/internal/client/socket"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/logging"
)

const help = `commands:
  /list              show conversations and peers
  /open N            open row N of the list
  /more              load older messages
  /chats             load more conversations
  /search TEXT       filter the list (empty clears)
  /image PATH        send an image
  /record PATH       record a voice note from an audio file, /stop to send
  /cancel yes        drop the recording in progress
  /retry             resend the attachment whose last send failed
  /discard yes       drop the attachment whose last send failed
  /delete ID         delete a message for both sides
  /quit              exit
anything else is sent as a text message`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint, err := socket.Endpoint(cfg.ServerURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server url")
	}
	sock := socket.New(endpoint, cfg.Token, socket.WithLogger(logging.Component(logger, "socket")))
	defer sock.Close()

	mic := &fileMicrophone{}
	pipeline := attachment.New(
		attachment.NewHTTPUploader(cfg.ServerURL, cfg.Token, nil),
		mic,
		attachment.Config{MaxImageBytes: cfg.MaxUploadBytes, MaxAudioBytes: cfg.MaxUploadBytes, TempDir: cfg.TempDir},
		logging.Component(logger, "attachment"),
	)
	ctrl := session.New(sock, pipeline, session.Config{UserID: cfg.UserID, AckTimeout: cfg.AckTimeout}, logger)
	defer ctrl.Close()

	out := &printer{w: os.Stdout, ctrl: ctrl, seen: make(map[string]bool)}
	ctrl.Subscribe(out.handle)

	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat session")
	}
	fmt.Fprintln(os.Stdout, help)
	out.list()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r := &repl{ctrl: ctrl, out: out, mic: mic}
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return
		case line, ok := <-lines:
			if !ok || !r.exec(ctx, strings.TrimSpace(line)) {
				r.teardown()
				return
			}
		}
	}
}

type repl struct {
	ctrl      *session.Controller
	out       *printer
	mic       *fileMicrophone
	recording *attachment.Recording
	// unsent holds an attachment whose last send failed.
	unsent *attachment.Attachment
}

// exec runs one input line and reports whether to keep going.
func (r *repl) exec(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := r.ctrl.SendText(ctx, line); err != nil {
			r.out.fail(err)
		}
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit":
		return false
	case "/help":
		r.out.println(help)
	case "/list":
		r.out.list()
	case "/open":
		err = r.open(ctx, arg)
	case "/more":
		err = r.ctrl.LoadOlder(ctx)
	case "/chats":
		err = r.ctrl.LoadMoreChats(ctx)
		r.out.list()
	case "/search":
		err = r.ctrl.SetSearch(ctx, arg)
		r.out.list()
	case "/image":
		err = r.sendImage(ctx, arg)
	case "/record":
		err = r.startRecording(ctx, arg)
	case "/stop":
		err = r.stopRecording(ctx)
	case "/cancel":
		err = r.cancelRecording(arg)
	case "/retry":
		err = r.retry(ctx)
	case "/discard":
		err = r.discard(arg)
	case "/delete":
		err = r.ctrl.DeleteMessage(ctx, arg)
	default:
		r.out.println("unknown command, try /help")
	}
	if err != nil {
		r.out.fail(err)
	}
	return true
}

func (r *repl) open(ctx context.Context, arg string) error {
	n, err := strconv.Atoi(arg)
	items := r.ctrl.Items()
	if err != nil || n < 1 || n > len(items) {
		return chaterr.Errorf(chaterr.Validation, "open", "pick a row between 1 and %d", len(items))
	}
	r.out.reset()
	r.out.println("--- " + items[n-1].Name() + " ---")
	return r.ctrl.Select(ctx, items[n-1])
}

func (r *repl) sendImage(ctx context.Context, path string) error {
	att, err := r.ctrl.Attachments().SelectImageFile(path)
	if err != nil {
		return err
	}
	return r.send(ctx, att)
}

// send delivers att, keeping it for /retry when anything fails.
func (r *repl) send(ctx context.Context, att *attachment.Attachment) error {
	var err error
	if att.Kind == attachment.Audio {
		_, err = r.ctrl.SendAudio(ctx, att, r.out.progress(att.Name))
	} else {
		_, err = r.ctrl.SendImage(ctx, att, r.out.progress(att.Name))
	}
	if err != nil {
		r.unsent = att
		r.out.println(att.Name + " was not sent, /retry or /discard yes")
		return err
	}
	r.unsent = nil
	return nil
}

func (r *repl) retry(ctx context.Context) error {
	if r.unsent == nil {
		return chaterr.Errorf(chaterr.Validation, "retry", "nothing to resend")
	}
	return r.send(ctx, r.unsent)
}

func (r *repl) startRecording(ctx context.Context, path string) error {
	if path == "" {
		return chaterr.Errorf(chaterr.Validation, "record", "usage: /record PATH")
	}
	r.mic.use(path)
	rec, err := r.ctrl.Attachments().StartRecording(ctx)
	if err != nil {
		return err
	}
	r.recording = rec
	r.out.println("recording from " + path + ", /stop to send")
	return nil
}

func (r *repl) stopRecording(ctx context.Context) error {
	if r.recording == nil {
		return chaterr.Errorf(chaterr.Validation, "stop", "nothing is being recorded")
	}
	att, err := r.recording.Stop()
	r.recording = nil
	if err != nil {
		return err
	}
	return r.send(ctx, att)
}

func confirmed(arg string) func() bool {
	return func() bool { return arg == "yes" }
}

func (r *repl) cancelRecording(arg string) error {
	if r.recording == nil {
		return chaterr.Errorf(chaterr.Validation, "cancel", "nothing is being recorded")
	}
	if !r.recording.Discard(confirmed(arg)) {
		r.out.println("type /cancel yes to drop the recording")
		return nil
	}
	r.recording = nil
	r.out.println("recording dropped")
	return nil
}

func (r *repl) discard(arg string) error {
	if r.unsent == nil {
		return chaterr.Errorf(chaterr.Validation, "discard", "nothing to discard")
	}
	if !r.unsent.Discard(confirmed(arg)) {
		r.out.println("type /discard yes to drop " + r.unsent.Name)
		return nil
	}
	r.unsent = nil
	return nil
}

// teardown releases local capture state on exit.
func (r *repl) teardown() {
	if r.recording != nil {
		r.recording.Cancel()
		r.recording = nil
	}
	if r.unsent != nil {
		r.unsent.Discard(func() bool { return true })
	}
}

type printer struct {
	w    io.Writer
	ctrl *session.Controller

	mu   sync.Mutex
	seen map[string]bool
}

func (p *printer) handle(ev session.Event) {
	switch ev.Kind {
	case session.MessagesChanged:
		p.flush()
	case session.ConnectionChanged:
		if p.ctrl.Connected() {
			p.println("* connected")
		} else {
			p.println("* connection lost, reconnecting")
		}
	case session.Failed:
		p.fail(ev.Err)
	}
}

// flush prints confirmed messages of the active conversation not printed yet.
func (p *printer) flush() {
	entries := p.ctrl.Messages()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.Message.ID == "" || p.seen[e.Message.ID] {
			continue
		}
		p.seen[e.Message.ID] = true
		m := e.Message
		who := "me"
		if m.SenderID == p.ctrl.Active().PeerID {
			who = p.ctrl.Active().Name
		}
		body := m.Content
		switch {
		case m.ImageURL != "":
			body = "[image] " + m.ImageURL
		case m.AudioURL != "":
			body = fmt.Sprintf("[voice %ds] %s", m.Duration, m.AudioURL)
		}
		fmt.Fprintf(p.w, "%s %s (%s): %s\n", m.Timestamp.Local().Format(time.Kitchen), who, m.ID, body)
	}
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]bool)
}

func (p *printer) list() {
	var b strings.Builder
	for i, it := range p.ctrl.Items() {
		online := " "
		if p.ctrl.Online(it.PeerID()) {
			online = "*"
		}
		switch v := it.(type) {
		case *chatlist.ConversationItem:
			unread := ""
			if v.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d)", v.UnreadCount)
			}
			fmt.Fprintf(&b, "%3d %s %s%s: %s\n", i+1, online, v.DisplayName, unread, v.LastMessage)
		case *chatlist.PeerItem:
			fmt.Fprintf(&b, "%3d %s %s [new chat]\n", i+1, online, v.DisplayName)
		}
	}
	if b.Len() == 0 {
		b.WriteString("no conversations\n")
	}
	p.print(b.String())
}

func (p *printer) progress(name string) attachment.ProgressFunc {
	last := -1
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := int(sent * 100 / total)
		if pct/25 != last/25 {
			last = pct
			p.println(fmt.Sprintf("uploading %s: %d%%", name, pct))
		}
	}
}

func (p *printer) fail(err error) {
	p.println("! " + chaterr.UserMessage(err))
}

func (p *printer) println(s string) {
	p.print(s + "\n")
}

func (p *printer) print(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, s)
}
