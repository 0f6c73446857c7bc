package log

import (
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

// debugLogger stores all messages in memory as JSON lines, one per message.
// It is used in tests, see AssertJSONMessages.
type debugLogger struct {
	*zapLogger
	store *messageStore
}

type messageStore struct {
	lock      sync.Mutex
	messages  []storedMessage
	connected io.Writer
}

type storedMessage struct {
	level zapcore.Level
	line  string
}

// NewDebugLogger creates an in-memory logger for tests.
func NewDebugLogger() DebugLogger {
	store := &messageStore{}
	encoderCfg := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), store, DebugLevel)
	return &debugLogger{zapLogger: newZapLogger(core, ""), store: store}
}

func (s *messageStore) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	line := strings.TrimRight(string(p), "\n")
	s.messages = append(s.messages, storedMessage{level: levelOf(line), line: line})
	if s.connected != nil {
		if _, err := s.connected.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (s *messageStore) Sync() error {
	return nil
}

func levelOf(line string) zapcore.Level {
	switch {
	case strings.Contains(line, `"level":"debug"`):
		return DebugLevel
	case strings.Contains(line, `"level":"warn"`):
		return WarnLevel
	case strings.Contains(line, `"level":"error"`):
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l *debugLogger) WithComponent(component string) Logger {
	return &debugLogger{
		zapLogger: l.zapLogger.WithComponent(component).(*zapLogger),
		store:     l.store,
	}
}

// ConnectTo mirrors all future messages to the writer.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	l.store.connected = writer
}

// Truncate clears all stored messages.
func (l *debugLogger) Truncate() {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	l.store.messages = nil
}

func (l *debugLogger) AllMessages() string {
	return l.messagesIf(func(zapcore.Level) bool { return true })
}

func (l *debugLogger) DebugMessages() string {
	return l.messagesIf(func(v zapcore.Level) bool { return v == DebugLevel })
}

func (l *debugLogger) InfoMessages() string {
	return l.messagesIf(func(v zapcore.Level) bool { return v == InfoLevel })
}

func (l *debugLogger) WarnMessages() string {
	return l.messagesIf(func(v zapcore.Level) bool { return v == WarnLevel })
}

func (l *debugLogger) ErrorMessages() string {
	return l.messagesIf(func(v zapcore.Level) bool { return v == ErrorLevel })
}

func (l *debugLogger) WarnAndErrorMessages() string {
	return l.messagesIf(func(v zapcore.Level) bool { return v >= WarnLevel })
}

func (l *debugLogger) messagesIf(match func(level zapcore.Level) bool) string {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	var out strings.Builder
	for _, m := range l.store.messages {
		if match(m.level) {
			out.WriteString(m.line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}
