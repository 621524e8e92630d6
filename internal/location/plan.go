package location

import (
	"context"
	"fmt"

	"locsrc-svr/internal/pds"
)

// step builds the next request from the previous response, which is nil for
// the first step. A nil request ends the plan early: nothing left to change.
type step func(prev pds.Response) (pds.Request, error)

// plan is what one Enable or Disable call does.
type plan struct {
	steps []step
	// finish judges the last response (nil if a step ended the plan early)
	// and commits. It only runs when every exchange went through.
	finish func(last pds.Response) error
	// after runs once the commit is done.
	after func()
}

type sender interface {
	Send(ctx context.Context, req pds.Request) (pds.Response, error)
}

var exchangeOps = map[pds.MessageID]string{
	pds.MsgSetGpsServiceState:        "couldn't set GPS service state",
	pds.MsgSetAutoTrackingState:      "couldn't set auto-tracking state",
	pds.MsgSetEventReport:            "couldn't set event report",
	pds.MsgGetDefaultTrackingSession: "couldn't get default tracking session",
	pds.MsgSetDefaultTrackingSession: "couldn't set default tracking session",
	pds.MsgGetAgpsConfig:             "couldn't get A-GPS config",
	pds.MsgSetAgpsConfig:             "couldn't set A-GPS config",
	pds.MsgGetServingSystem:          "couldn't get serving system",
}

func opFor(id pds.MessageID) string {
	if op, ok := exchangeOps[id]; ok {
		return op
	}
	return "couldn't run " + id.String()
}

// check turns a device answer into an error. A nil response passes.
func check(resp pds.Response, noEffectOK bool) error {
	if resp == nil {
		return nil
	}
	return pds.Check(resp, opFor(resp.MessageID()), noEffectOK)
}

// runSteps drives the steps over s, one exchange at a time, and stops at the
// first error. It returns the last response.
func runSteps(ctx context.Context, s sender, steps []step) (pds.Response, error) {
	var prev pds.Response
	for _, st := range steps {
		req, err := st(prev)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, nil
		}
		resp, err := s.Send(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opFor(req.MessageID()), err)
		}
		prev = resp
	}
	return prev, nil
}

// send is a first step.
func send(req pds.Request) step {
	return func(pds.Response) (pds.Request, error) { return req, nil }
}

// thenSend checks the previous answer and issues req.
func thenSend(noEffectOK bool, req pds.Request) step {
	return func(prev pds.Response) (pds.Request, error) {
		if err := check(prev, noEffectOK); err != nil {
			return nil, err
		}
		return req, nil
	}
}
