package manager

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEvent = errors.New("invalid event")

const (
	EventReset               = "reset"
	EventShutdown            = "shutdown"
	EventEnableManual        = "enable_manual_mode"
	EventEnableNormal        = "enable_normal_mode"
	EventEnableCalibration   = "enable_calibration_mode"
	EventSetSamplingInterval = "set_sampling_interval"
	EventSetDesired          = "set_desired"

	EventTurnOn  = "turn_on"
	EventTurnOff = "turn_off"
	EventHeat    = "heat"
	EventCool    = "cool"
	EventToggle  = "toggle"
)

var genericEvents = map[string]bool{
	EventReset:               true,
	EventShutdown:            true,
	EventEnableManual:        true,
	EventEnableNormal:        true,
	EventEnableCalibration:   true,
	EventSetSamplingInterval: true,
}

type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Variable  string    `json:"variable,omitempty"`
	Value     any       `json:"value,omitempty"`
	Submitted time.Time `json:"submitted"`
}

func NewEvent(typ, variable string, value any) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Variable:  variable,
		Value:     value,
		Submitted: time.Now(),
	}
}

// Response is returned to the submitter right away, before the event runs.
type Response struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func accepted() Response {
	return Response{Message: "Accepted", Code: http.StatusOK}
}

func rejected(msg string) Response {
	return Response{Message: msg, Code: http.StatusBadRequest}
}

// Outcome records what happened when the loop processed an event.
type Outcome struct {
	Event     Event     `json:"event"`
	Result    string    `json:"result"`
	Processed time.Time `json:"processed"`
}

const (
	ResultApplied   = "applied"
	ResultIgnored   = "ignored"
	ResultDiscarded = "discarded"
	ResultFailed    = "failed"
)

// Queue is a bounded FIFO of pending events. Neither side ever blocks.
type Queue struct {
	ch chan Event
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size)}
}

// Push enqueues ev, returning false when the queue is full.
func (q *Queue) Push(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Drain returns whatever is queued right now.
func (q *Queue) Drain() []Event {
	var events []Event
	for {
		select {
		case ev := <-q.ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
