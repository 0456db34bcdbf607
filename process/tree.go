package process

import (
	"context"
	"fmt"

	ps "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

// Descendants returns the PIDs of all transitive children of pid, breadth-first.
// Processes that vanish while the tree is walked are skipped.
func Descendants(pid int) []int {
	root, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var pids []int
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]

		children, err := current.Children()
		if err != nil {
			// ErrorNoChildren, or the process exited while we were looking
			continue
		}
		for _, c := range children {
			pids = append(pids, int(c.Pid))
		}
		next = append(next, children...)
	}
	return pids
}

// killPids kills each of the given processes concurrently. Processes that no longer exist are not errors.
func killPids(ctx context.Context, pids []int) error {
	group, _ := errgroup.WithContext(ctx)
	for _, pid := range pids {
		pid := pid
		group.Go(func() error {
			p, err := ps.NewProcess(int32(pid))
			if err != nil {
				return nil
			}
			err = p.KillWithContext(ctx)
			if err == nil {
				return nil
			}
			if exists, existsErr := ps.PidExistsWithContext(ctx, int32(pid)); existsErr == nil && !exists {
				return nil
			}
			return fmt.Errorf("killing descendant %d: %w", pid, err)
		})
	}
	return group.Wait()
}

// Alive reports whether pid names a live process. Zombies are not alive.
func Alive(pid int) bool {
	p, err := ps.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == ps.Zombie {
			return false
		}
	}
	return true
}
