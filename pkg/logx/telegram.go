package logx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// Sender delivers one rendered log line to an operator chat.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

type telegramSender struct {
	bot *tele.Bot
}

// newTelegramSender builds an offline telebot client: no getMe call and no
// poller, the bot is only used to push messages.
func newTelegramSender(token string) (Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

func (t *telegramSender) SendLog(_ context.Context, chatID int64, threadID int, text string) error {
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}

type opsTarget struct {
	chatID   int64
	threadID int
}

// opsSink is a zerolog.LevelWriter that forwards filtered, rate-limited
// lines to a Sender on a background worker. It never blocks logging.
type opsSink struct {
	mu       sync.Mutex
	sender   Sender
	target   opsTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan opsItem
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type opsItem struct {
	to   opsTarget
	text string
}

func newOpsSink(sender Sender) *opsSink {
	ctx, cancel := context.WithCancel(context.Background())
	o := &opsSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan opsItem, 256),
		cancel:   cancel,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.worker(ctx)
	}()
	return o
}

func (o *opsSink) setSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

func (o *opsSink) configure(to opsTarget, min zerolog.Level, lim *rate.Limiter) {
	o.mu.Lock()
	o.target = to
	o.minLevel = min
	o.limiter = lim
	o.mu.Unlock()
}

func (o *opsSink) close() {
	o.cancel()
	o.wg.Wait()
}

func (o *opsSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.SendLog(cctx, it.to.chatID, it.to.threadID, it.text)
			cancel()
		}
	}
}

func (o *opsSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to := o.target
	min := o.minLevel
	lim := o.limiter
	o.mu.Unlock()

	if to.chatID == 0 || level < min {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	msg := formatOpsLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case o.queue <- opsItem{to: to, text: msg}:
	default:
	}
	return len(p), nil
}

// formatOpsLine turns a zerolog JSON line into a compact chat message:
// "[LEVEL] message" followed by sorted key=value lines.
func formatOpsLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
