package dyntrans

import "github.com/dyntrans/engine/enginelog"

// RunBatch executes up to maxInstrs guest instructions starting at the
// current PC, unrolled icBatchSize IC slots at a time, re-resolving the IC
// page whenever execution moves onto another page. It returns the number of
// instructions actually executed, which can be less than maxInstrs if a
// breakpoint fires, an IC raises an exception, single-step mode is on, PC
// fails to translate, or the CPU stops running.
func RunBatch(c *CPU, maxInstrs, icBatchSize int) int {
	if !c.Running {
		return 0
	}

	if c.CurICPage == nil {
		if !PCToPointers(c) {
			return 0
		}
	}

	executed := 0
	c.RunningTranslated = true

	for executed < maxInstrs && c.Running && c.RunningTranslated {
		if c.SingleStep || c.Breakpoints != nil && len(c.Breakpoints.Breakpoints) > 0 {
			if bp := c.Breakpoints.Hit(c.PC, c.registerValue); bp != nil {
				enginelog.Warnf("dyntrans", "cpu%d: breakpoint hit at pc=%#x", c.ID, c.PC)
				c.Running = false
				break
			}
		}

		n := icBatchSize
		if maxInstrs-executed < n {
			n = maxInstrs - executed
		}

		ran := c.runUnrolled(n)
		executed += ran
		c.NTranslatedInstrs += ran

		if c.SingleStep {
			c.Running = c.Running && ran > 0
			break
		}

		if !c.RunningTranslated {
			// PC moved onto another page (a branch, or running off the
			// page's last real slot — which a batch that exactly fills up to
			// that slot also does without ran < n): re-resolve PC before the
			// next round. If PC is still on the current page, an IC cleared
			// RunningTranslated itself (an exception) and the batch ends.
			if !c.Running || c.PC&^c.PageMask() == c.CurPageVAddr {
				break
			}
			if !PCToPointers(c) {
				break
			}
			c.RunningTranslated = true
		}
	}

	c.Arch.TickTimers(c, executed)
	return executed
}

// runUnrolled executes up to n IC slots within c.CurICPage, stopping early
// if an IC handler clears c.RunningTranslated (an exception or a breakpoint
// hit mid-page), asks for a single step, or branches off this page
// entirely — including falling off the last real slot by straight-line
// execution, which moves c.PC onto the next page exactly the same way a
// taken branch to another page would. It returns how many it actually ran.
//
// After every IC, c.NextIC is resynchronised against c.PC rather than just
// incremented: a same-page branch (the common case — loop backedges, local
// ifs) only needs its slot index updated, no re-translation; a branch to a
// different page (or falling off the page end) clears RunningTranslated so
// the caller re-resolves through PCToPointers. This engine does not thread
// a same-page fast-link pointer through branch handlers, nor a dedicated
// end-of-page sentinel slot past the real instructions: recomputing the
// slot index from PC after every IC already detects a page crossing one
// handler earlier than a sentinel at slot icEntriesPerPage ever could be
// reached, which made that slot dead weight.
func (c *CPU) runUnrolled(n int) int {
	pageMask := (uint64(1) << c.PageShift()) - 1
	instrShift := c.Arch.InstrShift()

	ran := 0
	for ran < n {
		if c.NextIC < 0 || c.NextIC >= len(c.CurICPage) {
			break
		}
		ic := &c.CurICPage[c.NextIC]
		c.NextIC++
		ic.Run(c)
		ran++
		if !c.RunningTranslated || c.SingleStep {
			break
		}
		if c.PC&^pageMask != c.CurPageVAddr {
			c.RunningTranslated = false
			break
		}
		c.NextIC = int((c.PC & pageMask) >> instrShift)
	}
	return ran
}

func (c *CPU) registerValue(name string) (uint64, bool) {
	type named interface {
		RegisterValue(name string) (uint64, bool)
	}
	if r, ok := c.Arch.(named); ok {
		return r.RegisterValue(name)
	}
	return 0, false
}

// ToBeTranslatedSentinel is installed into every fresh IC slot by
// tc.AllocateDefaultPage; it hands control to the architecture's own
// decoder, which overwrites this slot in place with the real handler and
// arguments before falling through to execute it.
func ToBeTranslatedSentinel(c *CPU, ic *IC) {
	c.Arch.ToBeTranslated(c, ic)
	ic.Run(c)
}
