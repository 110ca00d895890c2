// Package audit provides PDR (Process Decision Record) writing for fleetd.
// Every lease and cleanup decision leaves a record so operators can tell
// which instance took a resource and when.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Sink persists records. *store.Store implements it.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// Recorder is what components depend on.
type Recorder interface {
	Record(ctx context.Context, action string, inputs any, outcome, taskID, details string)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink, logger *slog.Logger) *PDRWriter {
	return &PDRWriter{sink: sink, logger: logging.Component(logger, "audit")}
}

// Record writes a PDR entry for a state-mutating action. A failed write is
// logged and otherwise ignored; auditing never fails the audited operation.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) {
	if _, err := w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, taskID, details); err != nil {
		w.logger.Warn("pdr write failed", "action", action, "error", err)
	}
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, string, any, string, string, string) {}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
