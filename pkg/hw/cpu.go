package hw

import (
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// RegisterNames lists the general purpose registers of the simulated CPU.
var RegisterNames = []string{"R1", "R2", "R3"}

// TaskRef identifies a schedulable task. TID 0 is the main task of a
// process; threads use TIDs starting at 1. The zero TaskRef means no task.
type TaskRef struct {
	PID int
	TID int
}

// IsZero reports whether the ref names no task.
func (r TaskRef) IsZero() bool {
	return r.PID == 0
}

// String renders the ref as pid or pid.tid.
func (r TaskRef) String() string {
	if r.IsZero() {
		return "idle"
	}
	if r.TID == 0 {
		return fmt.Sprintf("%d", r.PID)
	}
	return fmt.Sprintf("%d.%d", r.PID, r.TID)
}

// Context is the saved CPU state of a task.
type Context struct {
	PC        int
	Registers map[string]int
}

// NewContext returns a context starting at pc with all registers zeroed.
func NewContext(pc int) Context {
	regs := make(map[string]int, len(RegisterNames))
	for _, name := range RegisterNames {
		regs[name] = 0
	}
	return Context{PC: pc, Registers: regs}
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	return Context{PC: c.PC, Registers: maps.Clone(c.Registers)}
}

// Stepper executes one instruction against the loaded context.
type Stepper interface {
	Step(task TaskRef, ctx *Context)
}

// StepperFunc adapts a function to the Stepper interface.
type StepperFunc func(task TaskRef, ctx *Context)

// Step calls f(task, ctx).
func (f StepperFunc) Step(task TaskRef, ctx *Context) {
	f(task, ctx)
}

// CounterStepper advances the program counter by one per step.
type CounterStepper struct{}

// Step increments the program counter.
func (CounterStepper) Step(_ TaskRef, ctx *Context) {
	ctx.PC++
}

// CPU is the single logical processor.
type CPU struct {
	current TaskRef
	ctx     Context
	stepper Stepper
	steps   int64
	log     logrus.FieldLogger
}

// NewCPU creates an idle CPU. A nil stepper selects CounterStepper.
func NewCPU(stepper Stepper, log logrus.FieldLogger) *CPU {
	if stepper == nil {
		stepper = CounterStepper{}
	}
	return &CPU{
		ctx:     NewContext(0),
		stepper: stepper,
		log:     log.WithField("component", "cpu"),
	}
}

// Current returns the loaded task, or the zero ref when idle.
func (c *CPU) Current() TaskRef {
	return c.current
}

// Context returns a copy of the live CPU context.
func (c *CPU) Context() Context {
	return c.ctx.Clone()
}

// Save returns a copy of the live context for the loaded task.
// The second result is false when the CPU is idle.
func (c *CPU) Save() (TaskRef, Context, bool) {
	if c.current.IsZero() {
		return TaskRef{}, Context{}, false
	}
	return c.current, c.ctx.Clone(), true
}

// Load installs task with its saved context.
func (c *CPU) Load(task TaskRef, ctx Context) {
	c.current = task
	c.ctx = ctx.Clone()
	if c.ctx.Registers == nil {
		c.ctx = NewContext(ctx.PC)
	}
}

// Unload leaves the CPU idle.
func (c *CPU) Unload() {
	c.current = TaskRef{}
	c.ctx = NewContext(0)
}

// Step executes one instruction for the loaded task. It returns false
// when the CPU is idle.
func (c *CPU) Step() bool {
	if c.current.IsZero() {
		c.log.Debug("idle")
		return false
	}
	c.stepper.Step(c.current, &c.ctx)
	c.steps++
	c.log.WithFields(logrus.Fields{"task": c.current.String(), "pc": c.ctx.PC}).Debug("instruction executed")
	return true
}

// Steps returns the number of instructions executed since boot.
func (c *CPU) Steps() int64 {
	return c.steps
}
