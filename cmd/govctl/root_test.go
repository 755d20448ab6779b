package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/grpcapi"
)

type readiness struct{ err error }

func (r readiness) Check(context.Context) error { return r.err }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandsRequireDSN(t *testing.T) {
	t.Setenv("GOV_PG_DSN", "")
	for _, args := range [][]string{{"audit", "verify"}, {"grants", "sweep"}, {"migrate", "up"}} {
		if _, err := execute(t, args...); err == nil || !strings.Contains(err.Error(), "missing DSN") {
			t.Fatalf("%v: expected missing DSN error, got %v", args, err)
		}
	}
}

func TestVerifyReportRendering(t *testing.T) {
	g := &globals{output: "table"}
	var out bytes.Buffer
	ok := audit.VerifyReport{TenantID: "t1", Entries: 3, Head: "abc", OK: true}
	if err := writeVerifyReport(g, &out, ok); err != nil {
		t.Fatalf("intact report: %v", err)
	}
	if !strings.Contains(out.String(), "intact") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	g.output = "json"
	broken := audit.VerifyReport{TenantID: "t1", Entries: 3, Break: &audit.Break{Sequence: 2, Reason: "hash mismatch"}}
	if err := writeVerifyReport(g, &out, broken); err == nil {
		t.Fatalf("expected broken chain to fail the command")
	}
	var decoded audit.VerifyReport
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if decoded.Break == nil || decoded.Break.Sequence != 2 {
		t.Fatalf("unexpected decoded report %+v", decoded)
	}

	g.output = "xml"
	if err := writeVerifyReport(g, &out, ok); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func startServer(t *testing.T, ready readiness) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = grpcapi.NewServer(ready, time.Hour).Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func TestHealthCommand(t *testing.T) {
	addr := startServer(t, readiness{})
	out, err := execute(t, "health", "--addr", addr)
	if err != nil {
		t.Fatalf("health: %v (%s)", err, out)
	}
	if !strings.Contains(out, "SERVING") {
		t.Fatalf("unexpected output %q", out)
	}

	down := startServer(t, readiness{err: errors.New("db down")})
	out, err = execute(t, "health", "--addr", down, "-o", "json")
	if err == nil {
		t.Fatalf("expected failing health check to fail the command")
	}
	if !strings.Contains(out, "NOT_SERVING") {
		t.Fatalf("unexpected output %q", out)
	}
}
