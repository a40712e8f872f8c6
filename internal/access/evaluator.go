package access

import (
	"strings"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate          Action = "create"
	ActionRead            Action = "read"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionStartEncounter  Action = "start-encounter"
	ActionUpdateEncounter Action = "update-encounter"
	ActionRecordVitals    Action = "record-vitals"
	ActionReadAudit       Action = "read-audit"

	statusChangePrefix = "status-change:"
	cancelledStatus    = "CANCELLED"
)

// StatusChange builds the action for moving an appointment into status.
func StatusChange(status string) Action {
	return Action(statusChangePrefix + status)
}

// Target is the slice of appointment state a decision depends on.
type Target struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Pending   bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Evaluator decides whether an actor may perform an action on an
// appointment. It is stateless and performs no I/O.
type Evaluator struct{}

func NewEvaluator() Evaluator { return Evaluator{} }

func (Evaluator) CanPerform(actor Actor, action Action, target Target) Decision {
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleDoctor:
		return doctorDecision(actor, action, target)
	case RolePatient:
		return patientDecision(actor, action, target)
	default:
		return deny("unknown role " + string(actor.Role))
	}
}

func doctorDecision(actor Actor, action Action, target Target) Decision {
	switch action {
	case ActionCreate, ActionRead, ActionUpdate, ActionReadAudit:
		return allow()
	case ActionDelete:
		if !target.Pending {
			return deny("only pending appointments can be deleted")
		}
		return allow()
	case ActionStartEncounter, ActionUpdateEncounter, ActionRecordVitals:
		if actor.ID != target.DoctorID {
			return deny("not your appointment: only the assigned doctor may work on this encounter")
		}
		return allow()
	}
	if _, ok := statusOf(action); ok {
		return allow()
	}
	return deny("unknown action " + string(action))
}

func patientDecision(actor Actor, action Action, target Target) Decision {
	switch action {
	case ActionCreate:
		if actor.ID != target.PatientID {
			return deny("patients may only book appointments for themselves")
		}
		return allow()
	case ActionRead:
		return allow()
	case ActionUpdate:
		return deny("patients cannot modify appointment details")
	case ActionDelete:
		return deny("patients cannot delete appointments")
	case ActionStartEncounter, ActionUpdateEncounter, ActionRecordVitals:
		return deny("patients cannot work on encounters")
	case ActionReadAudit:
		return deny("patients cannot read the audit trail")
	}
	status, ok := statusOf(action)
	if !ok {
		return deny("unknown action " + string(action))
	}
	if status != cancelledStatus {
		return deny("patients may only cancel appointments")
	}
	if actor.ID != target.PatientID {
		return deny("not your appointment")
	}
	return allow()
}

func statusOf(action Action) (string, bool) {
	s, ok := strings.CutPrefix(string(action), statusChangePrefix)
	return s, ok && s != ""
}
