package session

import (
	"fmt"
	"time"
)

// Tier is the escalation level of one logical navigation. Every call to
// Manager.Navigate starts at tier 0 and moves strictly forward.
type Tier int

// MaxTier is the last tier that still attempts a navigation.
const MaxTier Tier = 5

// firstResetTier is the first tier that rebuilds the page.
const firstResetTier Tier = 3

// Action is the corrective step taken before the attempt at a tier.
type Action int

const (
	// ActionNone attempts the navigation right away
	ActionNone Action = iota

	// ActionBackoff waits Step.Delay, then attempts on the same page
	ActionBackoff

	// ActionResetPage rebuilds and re-authenticates the page, then attempts
	ActionResetPage

	// ActionResetBrowser relaunches the browser and rebuilds the page, then
	// attempts
	ActionResetBrowser

	// ActionGiveUp ends the navigation with an *ExhaustedError
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionBackoff:
		return "backoff"
	case ActionResetPage:
		return "reset-page"
	case ActionResetBrowser:
		return "reset-browser"
	case ActionGiveUp:
		return "give-up"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Step describes how to prepare the attempt at Tier.
type Step struct {
	Tier   Tier
	Action Action
	Delay  time.Duration
}

// Schedule holds the backoff delays of the escalation table.
type Schedule struct {
	// FirstBackoff precedes the attempt at tier 1
	FirstBackoff time.Duration

	// SecondBackoff precedes the attempt at tier 2
	SecondBackoff time.Duration
}

// DefaultSchedule is the production backoff schedule.
var DefaultSchedule = Schedule{
	FirstBackoff:  2 * time.Second,
	SecondBackoff: 5 * time.Second,
}

// Escalator maps a tier to its corrective step. It holds no state and
// never sleeps, so the table can be tested without timers or a browser.
//
//	tier 0    attempt immediately
//	tier 1    wait FirstBackoff, attempt on the same page
//	tier 2    wait SecondBackoff, attempt on the same page
//	tier 3    reset the page, attempt on the new page
//	tier 4    reset the page again, attempt on the new page
//	tier 5    relaunch the browser, attempt on the new page
//	beyond    give up
type Escalator struct {
	schedule Schedule
}

// NewEscalator creates an escalator using schedule.
func NewEscalator(schedule Schedule) Escalator {
	return Escalator{schedule: schedule}
}

// Next returns the step for tier.
func (e Escalator) Next(tier Tier) Step {
	step := Step{Tier: tier}
	switch {
	case tier <= 0:
		step.Tier = 0
		step.Action = ActionNone
	case tier == 1:
		step.Action = ActionBackoff
		step.Delay = e.schedule.FirstBackoff
	case tier == 2:
		step.Action = ActionBackoff
		step.Delay = e.schedule.SecondBackoff
	case tier == firstResetTier, tier == firstResetTier+1:
		step.Action = ActionResetPage
	case tier == MaxTier:
		step.Action = ActionResetBrowser
	default:
		step.Action = ActionGiveUp
	}
	return step
}
