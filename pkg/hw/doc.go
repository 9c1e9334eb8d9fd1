/*
Package hw simulates the hardware the kernel runs on: a byte-addressable
RAM arena and a single CPU with a program counter and a small register file.

The CPU does not execute real instructions. Each call to Step hands the
loaded context to a Stepper, which by default advances the program counter
by one. The kernel owns the tick ordering (save, schedule, load, step,
decrement); the CPU only holds whatever context was last loaded.

Example:

	ram := hw.NewRAM(4096)
	if err := ram.Write(128, []byte("hello")); err != nil {
		log.Fatal(err)
	}

	cpu := hw.NewCPU(nil, logger)
	cpu.Load(hw.TaskRef{PID: 1}, hw.Context{})
	cpu.Step()
*/
package hw
