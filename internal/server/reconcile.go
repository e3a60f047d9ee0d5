package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// reconcileEntry describes a submission whose outcome is unknown: the
// deadline passed after the transaction may already have reached the
// ledger. Operators re-query ledger or escrow state before retrying it.
type reconcileEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Operation      string    `json:"operation"`
	RequestID      string    `json:"requestId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	Counterparty   string    `json:"counterparty,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Error          string    `json:"error"`
}

// reconcileJournal writes one JSON file per entry into dir. An empty dir
// disables the journal.
type reconcileJournal struct {
	dir     string
	logger  *logrus.Logger
	metrics *metricsRegistry
}

func (j *reconcileJournal) write(entry reconcileEntry) {
	if j.dir == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		j.logger.WithError(err).Error("reconcile entry marshal failed")
		return
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		j.logger.WithError(err).Error("reconcile dir create failed")
		return
	}

	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.Operation)
	if err := os.WriteFile(filepath.Join(j.dir, filename), data, 0o600); err != nil {
		j.logger.WithError(err).Error("reconcile entry write failed")
		return
	}
	j.logger.WithFields(logrus.Fields{
		"operation": entry.Operation,
		"orderId":   entry.OrderID,
		"requestId": entry.RequestID,
	}).Warn("submission outcome unknown; journaled for reconciliation")

	j.depth()
}

// depth counts pending entries and publishes the gauge.
func (j *reconcileJournal) depth() int {
	if j.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.WithError(err).Warn("reconcile dir read failed")
		}
		return 0
	}
	if j.metrics != nil {
		j.metrics.setReconcileDepth(len(entries))
	}
	return len(entries)
}
