package cron

import (
	"fmt"
	"strings"
	"time"
)

// normalizeJob applies the migration pass to a single job and reports
// whether anything changed. Applying it twice yields the same result, which
// is what keeps an already-normalized store from being re-persisted.
func normalizeJob(job *Job, migratePayload PayloadMigration) bool {
	changed := false

	changed = normalizeName(job) || changed
	changed = normalizeDescription(job) || changed

	if migratePayload != nil && migratePayload(&job.Payload) {
		changed = true
	}

	changed = normalizeSchedule(&job.Schedule) || changed
	changed = renameLegacyDeliveryMode(job) || changed
	changed = dropDeprecatedIsolation(job) || changed
	changed = synthesizeDelivery(job) || changed
	if job.Delivery != nil {
		changed = stripDeliveryHints(&job.Payload) || changed
	}

	return changed
}

func normalizeName(job *Job) bool {
	trimmed := strings.TrimSpace(job.Name)
	if trimmed == "" {
		trimmed = inferName(job)
	}
	if trimmed == job.Name {
		return false
	}
	job.Name = trimmed
	return true
}

// inferName builds a readable fallback from schedule and payload
func inferName(job *Job) string {
	kind := string(job.Payload.Kind)
	if kind == "" {
		kind = "job"
	}

	switch job.Schedule.Kind {
	case ScheduleKindAt:
		if job.Schedule.At != "" {
			return fmt.Sprintf("%s at %s", kind, job.Schedule.At)
		}
		if job.Schedule.AtMs != nil {
			return fmt.Sprintf("%s at %s", kind, time.UnixMilli(*job.Schedule.AtMs).UTC().Format(time.RFC3339))
		}
	case ScheduleKindEvery:
		return fmt.Sprintf("%s every %s", kind, time.Duration(job.Schedule.EveryMs)*time.Millisecond)
	case ScheduleKindCron:
		return fmt.Sprintf("%s cron %s", kind, job.Schedule.Expr)
	}
	return kind
}

func normalizeDescription(job *Job) bool {
	trimmed := strings.TrimSpace(job.Description)
	if trimmed == job.Description {
		return false
	}
	job.Description = trimmed
	return true
}

// normalizeSchedule infers a missing "at" kind and rewrites the legacy
// epoch-millisecond field as a canonical ISO-8601 timestamp.
func normalizeSchedule(schedule *Schedule) bool {
	changed := false

	if schedule.Kind == "" && (schedule.At != "" || schedule.AtMs != nil) {
		schedule.Kind = ScheduleKindAt
		changed = true
	}

	if schedule.AtMs != nil {
		if schedule.At == "" {
			schedule.At = time.UnixMilli(*schedule.AtMs).UTC().Format(time.RFC3339)
		}
		schedule.AtMs = nil
		changed = true
	}

	return changed
}

func renameLegacyDeliveryMode(job *Job) bool {
	if job.Delivery == nil || job.Delivery.Mode != legacyDeliveryModeNotify {
		return false
	}
	job.Delivery.Mode = DeliveryModeAnnounce
	return true
}

// dropDeprecatedIsolation removes the retired isolation field. It was never
// a typed field, so it surfaces in the job's unknown-key map.
func dropDeprecatedIsolation(job *Job) bool {
	if _, ok := job.extra["isolation"]; !ok {
		return false
	}
	delete(job.extra, "isolation")
	if len(job.extra) == 0 {
		job.extra = nil
	}
	return true
}

// synthesizeDelivery guarantees that every isolated agentTurn job carries an
// explicit delivery block, built from legacy payload hints when present.
func synthesizeDelivery(job *Job) bool {
	if job.SessionTarget != SessionTargetIsolated || job.Payload.Kind != PayloadKindAgentTurn {
		return false
	}
	if job.Delivery != nil {
		return false
	}

	delivery := &Delivery{Mode: DeliveryModeAnnounce}

	p := &job.Payload
	if p.Deliver != nil || p.Channel != "" || p.To != "" || p.BestEffortDeliver != nil {
		if p.Deliver != nil && !*p.Deliver {
			delivery.Mode = DeliveryModeNone
		}
		delivery.Channel = p.Channel
		delivery.To = p.To
		if p.BestEffortDeliver != nil {
			delivery.BestEffort = *p.BestEffortDeliver
		}
	}

	job.Delivery = delivery
	return true
}

// stripDeliveryHints removes legacy hint fields so they never coexist with
// a delivery block.
func stripDeliveryHints(p *Payload) bool {
	if p.Deliver == nil && p.Channel == "" && p.To == "" && p.BestEffortDeliver == nil {
		return false
	}
	p.Deliver = nil
	p.Channel = ""
	p.To = ""
	p.BestEffortDeliver = nil
	return true
}
