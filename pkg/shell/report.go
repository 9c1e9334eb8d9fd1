package shell

import (
	"fmt"
	"io"
	"text/tabwriter"

	"kernsim/pkg/kernel"
	"kernsim/pkg/process"
)

// nameWidth is the number of name characters shown in the process table.
const nameWidth = 12

// Report renders the process table.
func Report(w io.Writer, rows []process.Info) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tSTATE\tPRIO\tTHREADS\tMEM\tMSGS")
	for _, r := range rows {
		state := r.State.String()
		if r.Wait != process.WaitNone {
			state += "(" + string(r.Wait) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.PID, truncate(r.Name, nameWidth), state, r.Priority, r.Threads, r.Memory, r.Messages)
	}
	return tw.Flush()
}

// ReportStats renders the kernel and memory statistics.
func ReportStats(w io.Writer, s kernel.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	running := "idle"
	if !s.Running.IsZero() {
		running = s.Running.String()
	}
	fmt.Fprintf(tw, "ticks:\t%d\n", s.Ticks)
	fmt.Fprintf(tw, "instructions:\t%d\n", s.Steps)
	fmt.Fprintf(tw, "running:\t%s\n", running)
	fmt.Fprintf(tw, "ready queue:\t%v\n", s.ReadyQueue)
	fmt.Fprintf(tw, "processes:\t%d\n", s.Processes)
	fmt.Fprintf(tw, "ram:\t%d used / %d free of %d bytes\n", s.Memory.UsedBytes, s.Memory.FreeBytes, s.Memory.ArenaSize)
	fmt.Fprintf(tw, "blocks:\t%d used, %d free, largest free %d\n", s.Memory.UsedBlocks, s.Memory.FreeBlocks, s.Memory.LargestFree)
	fmt.Fprintf(tw, "fragmentation:\t%.1f%%\n", s.Memory.Fragmentation*100)
	fmt.Fprintf(tw, "swap:\t%d / %d blocks\n", s.SwapInUse, s.SwapCapacity)
	fmt.Fprintf(tw, "shared regions:\t%d\n", s.Regions)
	fmt.Fprintf(tw, "memory waiters:\t%d\n", s.MemoryWaiters)
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
