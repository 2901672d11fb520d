package agent

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Status is the single value every UI branch renders from.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusListening        Status = "listening"
	StatusThinking         Status = "thinking"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusSpeaking         Status = "speaking"
	StatusError            Status = "error"
	StatusListeningConfirm Status = "listening_confirm"
)

var allStatuses = []string{
	string(StatusIdle), string(StatusListening), string(StatusThinking),
	string(StatusExecuting), string(StatusCompleted), string(StatusSpeaking),
	string(StatusError), string(StatusListeningConfirm),
}

// trigger names one transition function of the orchestrator.
type trigger string

const (
	triggerBegin         trigger = "begin"
	triggerThink         trigger = "think"
	triggerDecide        trigger = "decide"
	triggerComplete      trigger = "complete"
	triggerAwait         trigger = "await"
	triggerSpeak         trigger = "speak"
	triggerRunTool       trigger = "run_tool"
	triggerConfirmListen trigger = "confirm_listen"
	triggerFail          trigger = "fail"
	triggerReset         trigger = "reset"
)

func srcs(st ...Status) []string {
	out := make([]string, len(st))
	for i, v := range st {
		out[i] = string(v)
	}
	return out
}

var statusEvents = fsm.Events{
	// a new utterance may interrupt anything that is not an active round
	{Name: string(triggerBegin), Src: srcs(StatusIdle, StatusListening, StatusSpeaking, StatusError, StatusListeningConfirm), Dst: string(StatusListening)},
	{Name: string(triggerThink), Src: srcs(StatusListening), Dst: string(StatusThinking)},
	{Name: string(triggerDecide), Src: srcs(StatusThinking), Dst: string(StatusExecuting)},
	// thinking -> completed is the interpret failure path
	{Name: string(triggerComplete), Src: srcs(StatusThinking, StatusExecuting), Dst: string(StatusCompleted)},
	{Name: string(triggerAwait), Src: srcs(StatusCompleted), Dst: string(StatusIdle)},
	{Name: string(triggerSpeak), Src: srcs(StatusCompleted, StatusExecuting), Dst: string(StatusSpeaking)},
	{Name: string(triggerRunTool), Src: srcs(StatusIdle, StatusListeningConfirm), Dst: string(StatusExecuting)},
	{Name: string(triggerConfirmListen), Src: srcs(StatusIdle), Dst: string(StatusListeningConfirm)},
	{Name: string(triggerFail), Src: allStatuses, Dst: string(StatusError)},
	{Name: string(triggerReset), Src: allStatuses, Dst: string(StatusIdle)},
}

// statusMachine rejects any transition outside the table so that stages can
// never be skipped or reordered. Callers serialize access.
type statusMachine struct {
	fsm *fsm.FSM
	log zerolog.Logger
}

func newStatusMachine(log zerolog.Logger) *statusMachine {
	return &statusMachine{
		fsm: fsm.NewFSM(string(StatusIdle), statusEvents, fsm.Callbacks{}),
		log: log,
	}
}

func (m *statusMachine) current() Status { return Status(m.fsm.Current()) }

// fire applies t and reports whether the status changed.
func (m *statusMachine) fire(t trigger) bool {
	from := m.current()
	err := m.fsm.Event(context.Background(), string(t))
	if err == nil {
		m.log.Debug().Str("from", string(from)).Str("to", m.fsm.Current()).Str("trigger", string(t)).Msg("status")
		return true
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return false
	}
	m.log.Warn().Err(err).Str("status", string(from)).Str("trigger", string(t)).Msg("transition rejected")
	return false
}
