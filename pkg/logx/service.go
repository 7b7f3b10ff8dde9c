package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig routes warnings and errors to an operator chat.
type TelegramConfig struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the live zerolog root and its sinks. Apply swaps the root
// atomically so every Logger derived from the Service follows the change.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File
	ops  *opsSink
}

// New creates the logging service and applies cfg immediately.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender replaces the operator sink transport. Mostly useful in tests.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops == nil {
		s.ops = newOpsSink(sender)
		return
	}
	s.ops.setSender(sender)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	ops := s.ops
	s.mu.Unlock()

	if ops != nil {
		ops.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./relaybot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Telegram.Enabled {
		if s.ops == nil || prev.Telegram.Token != cfg.Telegram.Token {
			sender, err := newTelegramSender(cfg.Telegram.Token)
			switch {
			case err != nil:
				fmt.Fprintf(Stderr(), "logx: telegram sink disabled: %v\n", err)
			case s.ops == nil:
				s.ops = newOpsSink(sender)
			default:
				s.ops.setSender(sender)
			}
		}
		if s.ops != nil {
			rps := cfg.Telegram.RatePerSec
			if rps <= 0 {
				rps = 1
			}
			s.ops.configure(opsTarget{chatID: cfg.Telegram.ChatID, threadID: cfg.Telegram.ThreadID},
				parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel),
				rate.NewLimiter(rate.Limit(rps), rps))
			writers = append(writers, s.ops)
			if cfg.Telegram.ChatID == 0 {
				fmt.Fprintln(Stderr(), "logx: telegram logging enabled but chat_id is not set")
			}
		}
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
