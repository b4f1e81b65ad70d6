package scheduler

import "fmt"

// reaperMain is the body of the watchdog task. It is scheduled like any
// other task and only differs in that it always sits at index 0.
func (s *Scheduler) reaperMain() {
	for {
		if s.table.count() == 1 && s.current != nil && s.table.at(0) == s.current {
			s.log.Info("no tasks left, reaper exiting")
			s.requestExit(s.current, 0)
			return
		}
		s.Sweep()
		s.cpu.Pause()
	}
}

// Sweep removes every exited task and returns how many it removed.
func (s *Scheduler) Sweep() int {
	removed := 0
	for i := 0; i < s.table.count(); i++ {
		t := s.table.at(i)
		if !t.Exited {
			continue
		}
		s.log.Info("task exited", "id", t.ID, "name", t.Name, "code", t.ExitCode)
		if err := s.RemoveAt(i); err != nil {
			panic(fmt.Sprintf("scheduler: sweep lost track of index %d: %v", i, err))
		}
		removed++
		// Later entries shifted down; look at this index again.
		i--
	}
	return removed
}
