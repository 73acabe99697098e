// Package audit implements the tamper-evident audit log model: per-agent
// entries linked by a SHA-256 hash chain over a canonical JSON serialization.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Result classifies the outcome an audit entry records.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
	ResultPending Result = "pending"
)

// Entry is one immutable audit record. PrevLogID is empty for the first
// entry of an agent; ChainHash links the entry to its predecessor.
type Entry struct {
	LogID     string         `json:"log_id"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Allowed   bool           `json:"allowed"`
	Result    Result         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	PrevLogID string         `json:"prev_log_id,omitempty"`
	ChainHash string         `json:"chain_hash"`
}

// ChainHash computes SHA-256(prevHash + "|" + canonical(entry without
// chain_hash)). prevHash is "" for the first entry of an agent.
//
// The canonical form is RFC 8785 JSON: keys sorted lexicographically,
// timestamps as RFC 3339 UTC with nanoseconds, and JSON null for an absent
// prev_log_id.
func ChainHash(prevHash string, e *Entry) (string, error) {
	var prevLogID any
	if e.PrevLogID != "" {
		prevLogID = e.PrevLogID
	}

	hashable := map[string]any{
		"log_id":      e.LogID,
		"agent_id":    e.AgentID,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"action":      e.Action,
		"resource":    e.Resource,
		"context":     e.Context,
		"allowed":     e.Allowed,
		"result":      string(e.Result),
		"metadata":    e.Metadata,
		"request_id":  e.RequestID,
		"prev_log_id": prevLogID,
	}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("serialize entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	AgentID      string `json:"agent_id"`
	Valid        bool   `json:"valid"`
	TotalEntries int    `json:"total_entries"`
	BrokenAt     string `json:"broken_at,omitempty"`
}

// VerifyChain walks entries in append order, recomputing each link.
// On the first mismatch it reports the broken entry's log_id. An empty
// chain is valid.
func VerifyChain(agentID string, entries []*Entry) (VerifyResult, error) {
	res := VerifyResult{AgentID: agentID, Valid: true, TotalEntries: len(entries)}

	prevHash := ""
	prevLogID := ""
	for _, e := range entries {
		if e.PrevLogID != prevLogID {
			res.Valid = false
			res.BrokenAt = e.LogID
			return res, nil
		}
		computed, err := ChainHash(prevHash, e)
		if err != nil {
			return res, fmt.Errorf("recompute hash for %s: %w", e.LogID, err)
		}
		if computed != e.ChainHash {
			res.Valid = false
			res.BrokenAt = e.LogID
			return res, nil
		}
		prevHash = e.ChainHash
		prevLogID = e.LogID
	}
	return res, nil
}
