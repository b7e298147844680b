package appointment

// Event drives the appointment state machine.
type Event string

const (
	EventCreate           Event = "create"
	EventReschedule       Event = "reschedule"
	EventComplete         Event = "complete"
	EventCancel           Event = "cancel"
	EventPaymentConfirmed Event = "payment_confirmed"
)

// transitions is the full table. A missing entry for a known state is an
// invalid transition; terminal states only accept the edits listed for them.
//
// Payment confirmation never completes an appointment: completion requires a
// medical record, which only CompleteAppointment creates.
var transitions = map[AppointmentStatus]map[Event]AppointmentStatus{
	"": {
		EventCreate: StatusPending,
	},
	StatusPending: {
		EventReschedule:       StatusPending,
		EventComplete:         StatusCompleted,
		EventCancel:           StatusCancelled,
		EventPaymentConfirmed: StatusPending,
	},
	StatusCompleted: {
		EventReschedule:       StatusCompleted,
		EventPaymentConfirmed: StatusCompleted,
	},
	StatusCancelled: {},
}

// NextStatus applies ev to from. Events refused by a terminal state fail with
// ErrAlreadyFinalized; anything else unknown fails with ErrInvalidTransition.
func NextStatus(from AppointmentStatus, ev Event) (AppointmentStatus, error) {
	row, ok := transitions[from]
	if !ok {
		return from, ErrInvalidTransition
	}
	to, ok := row[ev]
	if !ok {
		if IsTerminal(from) {
			return from, ErrAlreadyFinalized
		}
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(s AppointmentStatus) bool {
	return s == StatusCompleted || s == StatusCancelled
}
