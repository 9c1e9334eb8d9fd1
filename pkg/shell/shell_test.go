package shell

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"kernsim/pkg/config"
	"kernsim/pkg/kernel"
	"kernsim/pkg/process"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want kernel.Command
	}{
		{"ps", kernel.ListProcesses{}},
		{"HTOP", kernel.ListProcesses{}},
		{"mem", kernel.Status{}},
		{"run editor", kernel.CreateProcess{Name: "editor", Priority: process.DefaultPriority}},
		{"run editor 512 3", kernel.CreateProcess{Name: "editor", Size: 512, Priority: process.PriorityCritical}},
		{"kill 4", kernel.TerminateProcess{PID: 4}},
		{"thread 4", kernel.CreateThread{PID: 4}},
		{"thread 4 100", kernel.CreateThread{PID: 4, Entry: 100}},
		{"tkill 4 2", kernel.TerminateThread{PID: 4, TID: 2}},
		{"nice 4 0", kernel.SetPriority{PID: 4, Priority: process.PriorityLow}},
		{"malloc 4 100", kernel.Allocate{PID: 4, Size: 100}},
		{"malloc 4 100 wait", kernel.Allocate{PID: 4, Size: 100, Wait: true}},
		{"free 4 300", kernel.Free{PID: 4, Addr: 300}},
		{"translate 4 130", kernel.Translate{PID: 4, Addr: 130}},
		{"fault 4 130", kernel.ResolveFault{PID: 4, Addr: 130}},
		{"evict 4 1", kernel.Evict{PID: 4, Page: 1}},
		{"read 4 0 8", kernel.ReadMem{PID: 4, Addr: 0, Length: 8}},
		{`write 4 0 "two words"`, kernel.WriteMem{PID: 4, Data: []byte("two words")}},
		{`send 1 2 "hello world"`, kernel.Send{From: 1, To: 2, Payload: []byte("hello world")}},
		{"send 1 2 ping", kernel.Send{From: 1, To: 2, Payload: []byte("ping")}},
		{"recv 2", kernel.Receive{PID: 2}},
		{"tick", kernel.Advance{N: 1}},
		{"tick 12", kernel.Advance{N: 12}},
		{"shm create 64", kernel.ShmCreate{Size: 64}},
		{"shm attach 1 2", kernel.ShmAttach{Key: 1, PID: 2}},
		{"shm detach 1 2", kernel.ShmDetach{Key: 1, PID: 2}},
		{"shm rm 1", kernel.ShmRemove{Key: 1}},
		{"shm read 1 2 0 4", kernel.ShmRead{Key: 1, PID: 2, Length: 4}},
		{"shm write 1 2 8 'hi there'", kernel.ShmWrite{Key: 1, PID: 2, Offset: 8, Data: []byte("hi there")}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			req, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(req.Command, tt.want) {
				t.Errorf("Parse() = %#v, want %#v", req.Command, tt.want)
			}
		})
	}
}

func TestParseBuiltins(t *testing.T) {
	for line, want := range map[string]Builtin{"help": Help, "?": Help, "exit": Exit, "quit": Exit} {
		req, err := Parse(line)
		if err != nil || req.Builtin != want || req.Command != nil {
			t.Errorf("Parse(%q) = %+v, %v, want builtin %v", line, req, err, want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{"", ErrEmptyLine},
		{"   ", ErrEmptyLine},
		{"format c:", ErrUnknownVerb},
		{"shm grow 1", ErrUnknownVerb},
		{"shm", ErrUsage},
		{"kill", ErrUsage},
		{"kill 1 2", ErrUsage},
		{"kill one", ErrUsage},
		{"malloc 1 10 later", ErrUsage},
		{"tick 0", ErrUsage},
		{"run", ErrUsage},
		{"run x big", ErrUsage},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if _, err := Parse(tt.line); !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.line, err, tt.want)
			}
		})
	}

	if _, err := Parse(`send 1 2 "unterminated`); err == nil {
		t.Error("Parse() with an open quote succeeded")
	}
}

func TestUsageCoversVerbs(t *testing.T) {
	usage := Usage()
	if len(usage) != len(verbs)+2 {
		t.Errorf("Usage() has %d lines, want %d", len(usage), len(verbs)+2)
	}
	for name, info := range verbs {
		if !strings.HasPrefix(info.usage, name) {
			t.Errorf("usage %q does not start with %q", info.usage, name)
		}
	}
}

func TestReport(t *testing.T) {
	rows := []process.Info{
		{PID: 1, Name: "init", State: process.StateRunning, Priority: 1, Memory: 256},
		{PID: 12, Name: "a-very-long-program-name", State: process.StateBlocked, Wait: process.WaitMessage, Priority: 2, Threads: 3, Memory: 1024, Messages: 0},
	}

	var buf bytes.Buffer
	if err := Report(&buf, rows); err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	want := "" +
		"PID  NAME          STATE             PRIO  THREADS  MEM   MSGS\n" +
		"1    init          RUNNING           1     0        256   0\n" +
		"12   a-very-long-  BLOCKED(message)  2     3        1024  0\n"
	if buf.String() != want {
		t.Errorf("Report() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func newShell(t *testing.T, input string) (*Shell, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.TickIntervalMs = 0

	k, err := kernel.New(cfg, kernel.Deps{Log: logger})
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	if _, err := k.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	var stdout, stderr bytes.Buffer
	sh := New(k, strings.NewReader(input), &stdout, &stderr)
	return sh, &stdout, &stderr
}

func TestExecute(t *testing.T) {
	sh, stdout, _ := newShell(t, "")

	steps := []struct {
		line string
		want string
	}{
		{"run editor", "process 2 (editor) created"},
		{"thread 2 40", "thread 2.1 created"},
		{"malloc 2 100", "100 bytes allocated at 512"},
		{"recv 2", "process 2 blocked waiting for a message"},
		{`send 1 2 "hello world"`, "message sent to 2"},
		{"recv 2", "from 1 at tick 0: hello world"},
		{"tick 2", "ran: 1 1"},
		{"shm create 64", "region 1 created"},
		{"shm attach 1 2", "process 2 attached to region 1"},
		{"fault 2 0", "pid 2: page of address 0 resident"},
		{"translate 2 5", "pid 2: logical 5 -> physical 261"},
		{"ps", "editor"},
		{"mem", "ram:"},
		{"help", "shm create <size>"},
	}

	for _, step := range steps {
		stdout.Reset()
		quit, err := sh.Execute(step.line)
		if err != nil || quit {
			t.Fatalf("Execute(%q) = %v, %v", step.line, quit, err)
		}
		if !strings.Contains(stdout.String(), step.want) {
			t.Errorf("Execute(%q) printed %q, want %q", step.line, stdout.String(), step.want)
		}
	}

	if quit, err := sh.Execute("exit"); !quit || err != nil {
		t.Errorf("Execute(exit) = %v, %v, want true, nil", quit, err)
	}
	if _, err := sh.Execute("kill 99"); !errors.Is(err, process.ErrInvalidPID) {
		t.Errorf("Execute(kill 99) error = %v, want %v", err, process.ErrInvalidPID)
	}
}

func TestRunScript(t *testing.T) {
	script := "# boot two workers\nrun a\nrun b\n\ntick 3\nps\nexit\nrun never\n"
	sh, stdout, stderr := newShell(t, script)
	sh.Interactive = false

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr = %q, want empty", stderr.String())
	}
	if strings.Contains(stdout.String(), "never") {
		t.Error("Run() kept going after exit")
	}
	if want := []string{"run a", "run b", "tick 3", "ps", "exit"}; !reflect.DeepEqual(sh.History, want) {
		t.Errorf("History = %v, want %v", sh.History, want)
	}
}

func TestRunScriptStopsOnError(t *testing.T) {
	sh, stdout, stderr := newShell(t, "kill 42\nrun after\n")
	sh.Interactive = false

	if err := sh.Run(context.Background()); !errors.Is(err, process.ErrInvalidPID) {
		t.Errorf("Run() error = %v, want %v", err, process.ErrInvalidPID)
	}
	if !strings.Contains(stderr.String(), "error:") || strings.Contains(stdout.String(), "after") {
		t.Errorf("stdout %q stderr %q", stdout.String(), stderr.String())
	}
}

func TestRunInteractiveContinuesAfterError(t *testing.T) {
	sh, stdout, stderr := newShell(t, "bogus\nrun ok\n")

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q, want unknown command", stderr.String())
	}
	if !strings.Contains(stdout.String(), "kernsim> ") || !strings.Contains(stdout.String(), "process 2 (ok) created") {
		t.Errorf("stdout = %q", stdout.String())
	}
}
