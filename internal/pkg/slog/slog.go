// Package slog is the kernel's telemetry sink: an append-only event journal
// ("slog") of vat lifecycle and crank activity. It is purely observational
// and has no effect on kernel correctness or determinism.
package slog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Journal produces per-topic event writers.
type Journal interface {
	Topic(topic string) Writer
}

// Writer records events for one topic, with variadic key-value metadata.
type Writer interface {
	Write(event string, kvs ...interface{})
}

// NewZapJournal returns a Journal backed by a zap logger, writing entries as
// ndjson to the file at filepath.
func NewZapJournal(filepath string) (Journal, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "json"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.LevelKey = ""
	zapCfg.EncoderConfig.CallerKey = ""
	zapCfg.EncoderConfig.MessageKey = "_event"
	zapCfg.EncoderConfig.NameKey = "_topic"
	zapCfg.OutputPaths = []string{filepath}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapJournal{logger: logger}, nil
}

type zapJournal struct {
	logger *zap.Logger
}

func (zj *zapJournal) Topic(topic string) Writer {
	return &zapWriter{logger: zj.logger.Sugar().Named(topic)}
}

type zapWriter struct {
	logger *zap.SugaredLogger
}

func (zw *zapWriter) Write(event string, kvs ...interface{}) {
	zw.logger.Infow(event, kvs...)
}

// NopJournal discards every event.
func NopJournal() Journal {
	return nopJournal{}
}

type nopJournal struct{}

func (nopJournal) Topic(string) Writer { return nopWriter{} }

type nopWriter struct{}

func (nopWriter) Write(string, ...interface{}) {}

// MemEvent is one recorded event in a MemJournal.
type MemEvent struct {
	Topic string
	Event string
	KVs   []interface{}
}

// MemJournal records events in memory; tests assert against Events().
type MemJournal struct {
	mu     sync.Mutex
	events []MemEvent
}

// NewMemJournal builds an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

// Topic implements Journal.
func (m *MemJournal) Topic(topic string) Writer {
	return &memWriter{j: m, topic: topic}
}

// Events returns a snapshot of everything recorded so far.
func (m *MemJournal) Events() []MemEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemEvent, len(m.events))
	copy(out, m.events)
	return out
}

type memWriter struct {
	j     *MemJournal
	topic string
}

func (w *memWriter) Write(event string, kvs ...interface{}) {
	w.j.mu.Lock()
	defer w.j.mu.Unlock()
	w.j.events = append(w.j.events, MemEvent{Topic: w.topic, Event: event, KVs: kvs})
}
