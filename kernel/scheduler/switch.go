package scheduler

import "fmt"

// OnTick is called by the timer interrupt with the frame it will restore on
// return. It saves the interrupted task's registers, loads the next task's
// registers into frame and activates its address space.
func (s *Scheduler) OnTick(frame *Context) {
	restore := s.cpu.DisableInterrupts()
	defer restore()

	if s.inTick {
		panic("scheduler: re-entrant tick")
	}
	s.inTick = true
	defer func() { s.inTick = false }()

	if s.table.count() == 0 {
		return
	}
	// The reaper is spawned first and compaction keeps order, so it stays at
	// index 0 for as long as it lives.
	if s.hasReaper && s.table.at(0).ID != s.reaper {
		panic(fmt.Sprintf("scheduler: reaper %d missing, table holds %d tasks", s.reaper, s.table.count()))
	}

	if s.current != nil {
		s.current.Context = *frame
	}

	next := s.table.next()
	s.current = next
	*frame = next.Context
	s.spaces.Activate(next.Space)

	s.table.advance()
}

// RemoveAt drops the task at index from the table and releases its address
// space and frames. The round-robin cursor keeps pointing at the same task.
func (s *Scheduler) RemoveAt(index int) error {
	restore := s.cpu.DisableInterrupts()
	defer restore()

	if index >= 0 && index < s.table.count() {
		if t := s.table.at(index); s.hasReaper && t.ID == s.reaper && !t.Exited {
			panic(fmt.Sprintf("scheduler: removing live reaper %d", t.ID))
		}
	}
	t, err := s.table.removeAt(index)
	if err != nil {
		return err
	}
	if t == s.current {
		s.current = nil
	}
	s.release(t)
	return nil
}
