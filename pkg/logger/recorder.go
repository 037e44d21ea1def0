package logger

import (
	"fmt"
	"sync"
)

// Record is one captured log line.
type Record struct {
	Level string
	Msg   string
	KV    []interface{}
}

// Recorder keeps every line in memory. Loggers derived through With share
// the parent's buffer and prepend their tags.
type Recorder struct {
	mu      *sync.Mutex
	records *[]Record
	tags    []interface{}
}

func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, records: &[]Record{}}
}

func (r *Recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := append(append([]interface{}{}, r.tags...), kv...)
	*r.records = append(*r.records, Record{Level: level, Msg: msg, KV: all})
}

func (r *Recorder) Info(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *Recorder) Debug(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *Recorder) Warn(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *Recorder) Error(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *Recorder) Fatal(msg string, kv ...interface{}) { r.add("fatal", msg, kv) }

func (r *Recorder) Infof(format string, args ...interface{}) {
	r.add("info", fmt.Sprintf(format, args...), nil)
}

func (r *Recorder) Debugf(format string, args ...interface{}) {
	r.add("debug", fmt.Sprintf(format, args...), nil)
}

func (r *Recorder) Warnf(format string, args ...interface{}) {
	r.add("warn", fmt.Sprintf(format, args...), nil)
}

func (r *Recorder) Errorf(format string, args ...interface{}) {
	r.add("error", fmt.Sprintf(format, args...), nil)
}

func (r *Recorder) Fatalf(format string, args ...interface{}) {
	r.add("fatal", fmt.Sprintf(format, args...), nil)
}

func (r *Recorder) With(kv ...interface{}) Logger {
	return &Recorder{mu: r.mu, records: r.records, tags: append(append([]interface{}{}, r.tags...), kv...)}
}

// Records returns a copy of everything logged so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), *r.records...)
}

// Has reports whether a line with level and msg was logged.
func (r *Recorder) Has(level, msg string) bool {
	for _, rec := range r.Records() {
		if rec.Level == level && rec.Msg == msg {
			return true
		}
	}
	return false
}
