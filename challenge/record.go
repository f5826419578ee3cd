// Package challenge drives the per-route challenge-response handshake that
// confirms a prover controls the URL it announced, before that route is
// ever installed into the live routing table.
package challenge

import (
	"errors"
	"time"
)

// State is a ChallengeRecord's position in its state machine, per
// spec.md §4.7.
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
)

// ErrTimeout is returned when no terminal transition occurs within T_chal.
var ErrTimeout = errors.New("challenge: timed out waiting for response")

// ErrResponseInvalid is returned when a prover's response fails signature
// verification or is malformed.
var ErrResponseInvalid = errors.New("challenge: response invalid")

// Record is the in-memory state of one challenge round, keyed by addr (at
// most one Pending record per addr at a time, per spec.md §5).
type Record struct {
	ChallengeID    string
	Addr           string
	URL            string
	ExpectedSigner string
	IssuedAt       time.Time
	State          State
	SessionKey     []byte
}

// blob is the canonical challenge payload the proxy signs and the prover
// echoes back.
type blob struct {
	ChallengeID     string `json:"challengeId"`
	Ts              int64  `json:"ts"`
	URL             string `json:"url"`
	ContractAddress string `json:"contractAddress"`
	Action          string `json:"action"`
}

const actionURLVerification = "url-verification"
