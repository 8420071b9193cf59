package cron

import "encoding/json"

// The store rewrites its file wholesale on persist, so fields this package
// does not recognize would silently vanish without round-tripping them.
// Job, Payload, Schedule and Delivery therefore keep unknown keys in a raw
// side map that is merged back on marshal; typed fields always win over
// stale raw entries.

var jobKnownKeys = []string{
	"id", "name", "description", "schedule", "payload", "delivery",
	"sessionTarget", "enabled", "nextRunAt", "lastRunAt",
}

var payloadKnownKeys = []string{
	"kind", "text", "message", "model", "timeoutSeconds",
	"deliver", "channel", "to", "bestEffortDeliver",
}

var scheduleKnownKeys = []string{
	"kind", "at", "atMs", "everyMs", "expr", "tz",
}

var deliveryKnownKeys = []string{
	"mode", "channel", "to", "bestEffort",
}

type jobAlias Job

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys
func (j *Job) UnmarshalJSON(data []byte) error {
	var alias jobAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	extra, err := collectExtra(data, jobKnownKeys)
	if err != nil {
		return err
	}

	*j = Job(alias)
	j.extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler, merging unknown keys back
func (j Job) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(jobAlias(j), j.extra)
}

type payloadAlias Payload

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	extra, err := collectExtra(data, payloadKnownKeys)
	if err != nil {
		return err
	}

	*p = Payload(alias)
	p.extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler, merging unknown keys back
func (p Payload) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(payloadAlias(p), p.extra)
}

type scheduleAlias Schedule

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var alias scheduleAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	extra, err := collectExtra(data, scheduleKnownKeys)
	if err != nil {
		return err
	}

	*s = Schedule(alias)
	s.extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler, merging unknown keys back
func (s Schedule) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(scheduleAlias(s), s.extra)
}

type deliveryAlias Delivery

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys
func (d *Delivery) UnmarshalJSON(data []byte) error {
	var alias deliveryAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	extra, err := collectExtra(data, deliveryKnownKeys)
	if err != nil {
		return err
	}

	*d = Delivery(alias)
	d.extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler, merging unknown keys back
func (d Delivery) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(deliveryAlias(d), d.extra)
}

// collectExtra returns the keys of data that are not in known
func collectExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, key := range known {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// marshalWithExtra marshals v and overlays its typed keys onto extra
func marshalWithExtra(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	typed, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(extra))
	for key, value := range extra {
		merged[key] = value
	}

	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for key, value := range typedMap {
		merged[key] = value
	}

	return json.Marshal(merged)
}
