// Package audit appends authentication decisions to <home>/logs/audit.jsonl.
// Recording is a no-op until Init is called.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/snapq/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

// Actions recorded by the gateway.
const (
	ActionToken  = "token.issue"
	ActionUpload = "upload.auth"
	ActionAPI    = "api.bearer"
)

type entry struct {
	Timestamp    string `json:"timestamp"`
	Decision     string `json:"decision"`
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Remote       string `json:"remote,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// Event is one decision to record.
type Event struct {
	Decision     string
	Action       string
	Reason       string
	Subject      string
	Remote       string
	ConnectionID string
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

func Record(ev Event) {
	if ev.Decision == Deny {
		denyCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Decision:     ev.Decision,
		Action:       ev.Action,
		Reason:       shared.Redact(ev.Reason),
		Subject:      shared.Redact(ev.Subject),
		Remote:       ev.Remote,
		ConnectionID: ev.ConnectionID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
