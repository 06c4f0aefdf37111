package childproc

import (
	"bufio"
	"context"
	"testing"
	"time"
)

func TestSpawnEchoRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := Spawn(ctx, "cat", nil, "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if c.PID() <= 0 {
		t.Fatalf("expected positive pid, got %d", c.PID())
	}

	if err := c.WriteLine([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("write line: %v", err)
	}
	c.CloseStdin()

	scanner := bufio.NewScanner(c.Stdout())
	if !scanner.Scan() {
		t.Fatal("expected a line of output")
	}
	if scanner.Text() != `{"hello":"world"}` {
		t.Fatalf("unexpected echo: %q", scanner.Text())
	}

	select {
	case <-c.Exited():
		if c.Result().ExitCode != 0 {
			t.Fatalf("unexpected exit code: %d", c.Result().ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(context.Background(), "definitely-not-a-real-binary-xyz", nil, "", nil)
	if err == nil {
		t.Fatal("expected spawn failure for missing binary")
	}
}

func TestTerminateSoftThenHardIsNoop(t *testing.T) {
	c, err := Spawn(context.Background(), "sleep", []string{"30"}, "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := c.Terminate(Soft); err != nil {
		t.Fatalf("soft terminate: %v", err)
	}

	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after soft terminate")
	}

	// Terminating an already-exited child is a no-op in both modes.
	if err := c.Terminate(Soft); err != nil {
		t.Fatalf("soft terminate on exited child: %v", err)
	}
	if err := c.Terminate(Hard); err != nil {
		t.Fatalf("hard terminate on exited child: %v", err)
	}
}

func TestWriteLineFailsAfterStdinClosed(t *testing.T) {
	c, err := Spawn(context.Background(), "cat", nil, "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer c.Terminate(Hard)

	if err := c.CloseStdin(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	if err := c.WriteLine([]byte("x")); err == nil {
		t.Fatal("expected write to fail after stdin closed")
	}
}

func TestWaitExitRespectsContext(t *testing.T) {
	c, err := Spawn(context.Background(), "sleep", []string{"30"}, "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer c.Terminate(Hard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.WaitExit(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
