package logging

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"
)

// stderr receives the manager's own failures
var stderr io.Writer = os.Stderr

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects log entries. Zero values match everything.
type Filter struct {
	Limit      int
	Level      string
	Source     string
	RequestID  string
	WorkflowID string
	Since      time.Time
	Until      time.Time
}

// Manager handles log collection, buffering, and persistence
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *sql.DB
	handlers []func(LogEntry)
	pending  sync.WaitGroup
	seq      uint64
}

// NewManager creates a new logging manager. db may be nil.
func NewManager(db *sql.DB) *Manager {
	m := &Manager{
		buffer:   ring.New(MaxBufferSize),
		db:       db,
		handlers: make([]func(LogEntry), 0),
	}

	if err := m.initSchema(); err != nil {
		log.Printf("Warning: Failed to initialize logging schema: %v", err)
	}

	return m
}

// OpenDatabase connects to Postgres for log persistence
func OpenDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	db.SetMaxOpenConns(4)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to log database: %w", err)
	}
	return db, nil
}

// rebindQuery converts ? placeholders to $N for PostgreSQL.
func rebindQuery(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// initSchema creates the workflow_logs table if it doesn't exist
func (m *Manager) initSchema() error {
	if m.db == nil {
		return nil
	}

	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			request_id TEXT,
			workflow_id TEXT,
			step_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create workflow_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_workflow_logs_timestamp ON workflow_logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_workflow_logs_level ON workflow_logs(level)",
		"CREATE INDEX IF NOT EXISTS idx_workflow_logs_request_id ON workflow_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_workflow_logs_workflow_id ON workflow_logs(workflow_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := m.db.Exec(indexSQL); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}

	return nil
}

// Log adds a log entry to the buffer and optionally persists it
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	now := time.Now()

	m.mu.Lock()
	m.seq++
	entry := LogEntry{
		ID:        fmt.Sprintf("log-%d-%d", now.UnixNano(), m.seq),
		Timestamp: now,
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(entry)
	}

	if m.db != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.persistLog(entry)
		}()
	}
}

// Flush waits for in-flight database writes. Call it before exit.
func (m *Manager) Flush() {
	m.pending.Wait()
}

// persistLog saves a log entry to the database
func (m *Manager) persistLog(entry LogEntry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err == nil {
			jsonStr := string(data)
			metadataJSON = &jsonStr
		}
	}

	requestID := metaPtr(entry.Metadata, "request_id")
	workflowID := metaPtr(entry.Metadata, "workflow_id")
	stepID := metaPtr(entry.Metadata, "step_id")

	_, err := m.db.Exec(rebindQuery(`
		INSERT INTO workflow_logs (id, timestamp, level, source, message, metadata_json, request_id, workflow_id, step_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadataJSON, requestID, workflowID, stepID)

	if err != nil {
		// Write straight to stderr; log.Printf would loop back through the interceptor
		fmt.Fprintf(stderr, "Failed to persist log entry: %v\n", err)
	}
}

// GetRecent returns the most recent log entries from the buffer, newest first
func (m *Manager) GetRecent(f Filter) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	matched := make([]LogEntry, 0, limit)
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok || !f.matches(entry) {
			return
		}
		matched = append(matched, entry)
	})

	// Ring order is oldest first; keep the newest limit entries
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	for i := 0; i < len(matched)/2; i++ {
		matched[i], matched[len(matched)-1-i] = matched[len(matched)-1-i], matched[i]
	}
	return matched
}

func (f Filter) matches(entry LogEntry) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Source != "" && entry.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	if f.RequestID != "" && getMetaString(entry.Metadata, "request_id") != f.RequestID {
		return false
	}
	if f.WorkflowID != "" && getMetaString(entry.Metadata, "workflow_id") != f.WorkflowID {
		return false
	}
	return true
}

// Query returns log entries from the database, or from the buffer when no
// database is configured
func (m *Manager) Query(ctx context.Context, f Filter) ([]LogEntry, error) {
	if m.db == nil {
		return m.GetRecent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM workflow_logs WHERE 1=1`
	args := make([]interface{}, 0)

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, f.RequestID)
	}
	if f.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}

	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, rebindQuery(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var metadataJSON *string

		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		if metadataJSON != nil && *metadataJSON != "" {
			if err := json.Unmarshal([]byte(*metadataJSON), &entry.Metadata); err != nil {
				fmt.Fprintf(stderr, "Warning: Failed to unmarshal log metadata: %v\n", err)
			}
		}

		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

func metaPtr(meta map[string]interface{}, key string) *string {
	if val := getMetaString(meta, key); val != "" {
		return &val
	}
	return nil
}

// AddHandler registers a handler to be called synchronously for each new
// log entry
func (m *Manager) AddHandler(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Info logs an info-level message
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

// Warn logs a warning-level message
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

// Error logs an error-level message
func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}

// logInterceptWriter implements io.Writer so that Go's standard log package
// output is captured and routed through the logging manager.
type logInterceptWriter struct {
	manager *Manager
	echo    io.Writer
}

// Write parses "[Component] message" lines from log.Printf calls and routes
// them into the structured log system
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	if w.echo != nil {
		_, _ = w.echo.Write(p)
	}

	level, source, msg := parseLine(string(p))
	w.manager.Log(level, source, msg, parseFields(msg))
	return len(p), nil
}

// fieldKeys maps key=value tokens in a log line to metadata keys
var fieldKeys = map[string]string{
	"request":  "request_id",
	"workflow": "workflow_id",
	"step":     "step_id",
}

// parseFields picks request=, workflow= and step= tokens out of a message so
// captured lines can be filtered per request
func parseFields(msg string) map[string]interface{} {
	var meta map[string]interface{}
	for _, token := range strings.Fields(msg) {
		key, val, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		name, known := fieldKeys[key]
		val = strings.TrimRight(val, ",:;")
		if !known || val == "" {
			continue
		}
		if meta == nil {
			meta = make(map[string]interface{}, len(fieldKeys))
		}
		meta[name] = val
	}
	return meta
}

// parseLine extracts level and source from a standard log line
func parseLine(line string) (level, source, msg string) {
	msg = strings.TrimSpace(line)
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level = LogLevelInfo
	source = "system"

	lowerMsg := strings.ToLower(msg)
	if strings.Contains(lowerMsg, "error") || strings.Contains(lowerMsg, "fail") {
		level = LogLevelError
	} else if strings.Contains(lowerMsg, "warn") {
		level = LogLevelWarn
	}

	// "[Engine] message" → source=engine
	if len(msg) > 2 && msg[0] == '[' {
		end := strings.Index(msg, "]")
		if end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}
	return level, source, msg
}

// InstallLogInterceptor redirects Go's standard log package through this
// manager. Lines are also copied to echo when it is non-nil.
func (m *Manager) InstallLogInterceptor(echo io.Writer) {
	log.SetOutput(&logInterceptWriter{manager: m, echo: echo})
	if echo == nil {
		log.SetFlags(0)
	}
}
