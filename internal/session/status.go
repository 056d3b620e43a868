package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventDisable = "disable"
	eventReset   = "reset"
)

func newStatusMachine(onChange func(model.DeviceStatus)) *fsm.FSM {
	unknown := string(model.DeviceStatusUnknown)
	starting := string(model.DeviceStatusStarting)
	running := string(model.DeviceStatusRunning)
	faulted := string(model.DeviceStatusFaulted)
	disabled := string(model.DeviceStatusDisabled)

	return fsm.NewFSM(
		unknown,
		fsm.Events{
			{Name: eventStart, Src: []string{unknown, disabled}, Dst: starting},
			{Name: eventSucceed, Src: []string{starting, running, faulted}, Dst: running},
			{Name: eventFail, Src: []string{starting, running, faulted}, Dst: faulted},
			{Name: eventDisable, Src: []string{unknown, starting, running, faulted, disabled}, Dst: disabled},
			{Name: eventReset, Src: []string{starting, running, faulted, disabled, unknown}, Dst: unknown},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onChange(model.DeviceStatus(e.Dst))
			},
		},
	)
}

// fire applies event and ignores transitions that do not change or are not
// allowed from the current state, e.g. a late poll result after disable.
func fire(ctx context.Context, machine *fsm.FSM, event string) error {
	err := machine.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return nil
	}
	return err
}
