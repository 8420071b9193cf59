package cron

import (
	"encoding/json"
	"time"
)

// StoreVersion is the current wire version of the job store file.
const StoreVersion = 1

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind,omitempty"`

	// For "at" schedule
	At string `json:"at,omitempty"` // ISO 8601 timestamp

	// Legacy epoch-millisecond absolute time. Normalization rewrites it
	// into At and removes it.
	AtMs *int64 `json:"atMs,omitempty"`

	// For "every" schedule
	EveryMs int64 `json:"everyMs,omitempty"` // Interval in milliseconds

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty"`   // Optional timezone

	extra map[string]json.RawMessage
}

// PayloadKind represents the type of payload
type PayloadKind string

const (
	PayloadKindSystemEvent PayloadKind = "systemEvent"
	PayloadKindAgentTurn   PayloadKind = "agentTurn"
)

// Payload represents the action to perform when a job executes.
// Unrecognized fields survive load/persist untouched.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// For "systemEvent" payload
	Text string `json:"text,omitempty"`

	// For "agentTurn" payload
	Message        string `json:"message,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`

	// Legacy delivery hints. Normalization synthesizes Job.Delivery from
	// them and strips them; they never coexist with a delivery block.
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`

	extra map[string]json.RawMessage
}

// DeliveryMode specifies how an agent turn's result is delivered
type DeliveryMode string

const (
	DeliveryModeNone     DeliveryMode = "none"
	DeliveryModeAnnounce DeliveryMode = "announce"

	// legacyDeliveryModeNotify is the pre-rename spelling of "announce".
	legacyDeliveryModeNotify DeliveryMode = "notify"
)

// Delivery configures result delivery for agent turns
type Delivery struct {
	Mode       DeliveryMode `json:"mode"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort bool         `json:"bestEffort,omitempty"`

	extra map[string]json.RawMessage
}

// SessionTarget specifies the session context for job execution
type SessionTarget string

const (
	SessionTargetShared   SessionTarget = "shared"
	SessionTargetIsolated SessionTarget = "isolated"
)

// Job represents a complete cron job definition.
// Unrecognized fields survive load/persist untouched.
type Job struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Schedule      Schedule      `json:"schedule"`
	Payload       Payload       `json:"payload"`
	Delivery      *Delivery     `json:"delivery,omitempty"`
	SessionTarget SessionTarget `json:"sessionTarget,omitempty"`
	Enabled       bool          `json:"enabled"`
	NextRunAt     *int64        `json:"nextRunAt,omitempty"` // epoch ms
	LastRunAt     *int64        `json:"lastRunAt,omitempty"` // epoch ms

	extra map[string]json.RawMessage
}

// State is the wire form of the job store file: {version, jobs}
type State struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// PayloadMigration may rewrite a legacy payload shape in place and reports
// whether it changed anything. The store applies it to every job on load.
type PayloadMigration func(p *Payload) bool

// Now returns current time in milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}

// BoolPtr returns a pointer to a bool value
func BoolPtr(v bool) *bool {
	return &v
}
