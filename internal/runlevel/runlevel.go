// Package runlevel implements the phased bring-up/tear-down controller
// of section 3 and 4.8: a PD moves through CONFIG_PARSE -> NETWORK_OK
// -> PD_OK -> MEMORY_OK -> GUID_OK -> COMPUTE_OK -> USER_OK on
// bring-up and the reverse on tear-down, barrier-synchronised between
// phases, with every participating component acknowledging a phase
// before the PD advances.
//
// Grounded on golang.org/x/sync/errgroup's fan-out-then-wait shape,
// used the same way components/coordinator.go's Start method fans out
// goroutines before blocking on a finalize channel, generalized here
// from "one goroutine per background task" to "one SwitchRunlevel call
// per component, barriered every phase."
package runlevel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/open-community-runtime/ocr/internal/clog"
)

// Level is one of the seven ordered lifecycle stages of section 3.
type Level uint8

const (
	ConfigParse Level = iota
	NetworkOK
	PDOK
	MemoryOK
	GUIDOK
	ComputeOK
	UserOK
)

func (l Level) String() string {
	switch l {
	case ConfigParse:
		return "CONFIG_PARSE"
	case NetworkOK:
		return "NETWORK_OK"
	case PDOK:
		return "PD_OK"
	case MemoryOK:
		return "MEMORY_OK"
	case GUIDOK:
		return "GUID_OK"
	case ComputeOK:
		return "COMPUTE_OK"
	case UserOK:
		return "USER_OK"
	default:
		return "UNKNOWN_LEVEL"
	}
}

// orderedLevels is bring-up order; tear-down runs it reversed.
var orderedLevels = []Level{ConfigParse, NetworkOK, PDOK, MemoryOK, GUIDOK, ComputeOK, UserOK}

// Direction is BRING_UP or TEAR_DOWN (section 4.8).
type Direction uint8

const (
	BringUp Direction = iota
	TearDown
)

// UserOKPhase names USER_OK's own three-phase tear-down sequence
// (section 4.8: "USER_OK has its own three-phase tear-down (RUN ->
// COMP_QUIESCE -> COMM_QUIESCE -> DONE)").
type UserOKPhase uint32

const (
	PhaseRun UserOKPhase = iota
	PhaseCompQuiesce
	PhaseCommQuiesce
	PhaseDone
)

// Component is anything participating in runlevel transitions. Name is
// used only for logging. Within one phase every component's
// SwitchRunlevel runs concurrently, so registration order does not
// order the calls.
type Component interface {
	Name() string
	SwitchRunlevel(ctx context.Context, level Level, phase uint32, dir Direction) error
}

// Controller sequences every registered component through every level
// and phase. Levels and phases are strictly ordered; within a phase all
// components are called at once and the controller waits for all of
// them, so there is no leaves-first or roots-first order among
// components.
type Controller struct {
	components  []Component
	phaseCounts map[Level]uint32
	log         *clog.CLogger
}

// NewController creates a controller with a declared phase count per
// level (from CONFIG_PARSE), per section 9's "per-level phase counters
// declared during CONFIG_PARSE."
func NewController(phaseCounts map[Level]uint32, log *clog.CLogger) *Controller {
	return &Controller{phaseCounts: phaseCounts, log: log}
}

// Register adds a component; the order of registration does not order
// the calls within a phase.
func (c *Controller) Register(comp Component) {
	c.components = append(c.components, comp)
}

// BringUp drives every level from CONFIG_PARSE through USER_OK's RUN
// phase, barriering between phases.
func (c *Controller) BringUp(ctx context.Context) error {
	for _, lvl := range orderedLevels {
		phases := c.phaseCounts[lvl]
		for phase := uint32(0); phase < phases; phase++ {
			if err := c.barrier(ctx, c.components, lvl, phase, BringUp); err != nil {
				return fmt.Errorf("runlevel: bring-up %s phase %d: %w", lvl, phase, err)
			}
			c.log.Debugf("runlevel: %s phase %d up", lvl, phase)
		}
	}
	return nil
}

// Shutdown drives USER_OK's tear-down dance (RUN -> COMP_QUIESCE ->
// COMM_QUIESCE -> DONE) and then tears down every lower level, highest
// first, with each phase's components again called concurrently.
func (c *Controller) Shutdown(ctx context.Context) error {
	for _, phase := range []UserOKPhase{PhaseCompQuiesce, PhaseCommQuiesce, PhaseDone} {
		if err := c.barrier(ctx, c.components, UserOK, uint32(phase), TearDown); err != nil {
			return fmt.Errorf("runlevel: USER_OK tear-down phase %d: %w", phase, err)
		}
		c.log.Debugf("runlevel: USER_OK tear-down phase %d done", phase)
	}

	reversed := reverseComponents(c.components)
	for i := len(orderedLevels) - 2; i >= 0; i-- { // skip USER_OK, already handled above
		lvl := orderedLevels[i]
		phases := c.phaseCounts[lvl]
		for phase := phases; phase > 0; phase-- {
			if err := c.barrier(ctx, reversed, lvl, phase-1, TearDown); err != nil {
				return fmt.Errorf("runlevel: tear-down %s phase %d: %w", lvl, phase-1, err)
			}
		}
	}
	return nil
}

func (c *Controller) barrier(ctx context.Context, comps []Component, lvl Level, phase uint32, dir Direction) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, comp := range comps {
		comp := comp
		g.Go(func() error {
			return comp.SwitchRunlevel(gctx, lvl, phase, dir)
		})
	}
	return g.Wait()
}

func reverseComponents(in []Component) []Component {
	out := make([]Component, len(in))
	for i, c := range in {
		out[len(in)-1-i] = c
	}
	return out
}
