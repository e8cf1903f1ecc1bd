package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/smtpfd/smtpfd/internal/events"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/logging"
)

func frontendMsg(t imsg.Type, pid uint32, data []byte) imsg.Event {
	return imsg.Event{Msg: imsg.Msg{Header: imsg.Header{Type: t, Pid: pid}, Data: data}}
}

func TestDispatchVerbosity(t *testing.T) {
	env := startedEnv(t, cfgOf())
	changed := env.count(events.VerbosityChanged)

	if env.s.dispatchFrontend(frontendMsg(imsg.CtlLogVerbose, 0, imsg.PutInt(2))) {
		t.Fatal("verbosity request requested shutdown")
	}
	if got := env.s.level.Level(); got != logging.LevelTrace {
		t.Fatalf("level = %v, want trace", got)
	}

	env.s.dispatchFrontend(frontendMsg(imsg.CtlLogVerbose, 0, imsg.PutInt(0)))
	if got := env.s.level.Level(); got != slog.LevelInfo {
		t.Fatalf("level = %v, want info", got)
	}
	if changed() != 2 {
		t.Fatalf("verbosity events = %d, want 2", changed())
	}
}

func TestDispatchVerbosityBadPayload(t *testing.T) {
	env := startedEnv(t, cfgOf())
	logging.SetVerbose(env.s.level, 1)

	if env.s.dispatchFrontend(frontendMsg(imsg.CtlLogVerbose, 0, []byte{1})) {
		t.Fatal("bad payload requested shutdown")
	}
	if got := env.s.level.Level(); got != slog.LevelDebug {
		t.Fatalf("level changed to %v", got)
	}
}

func TestDispatchStatus(t *testing.T) {
	env := startedEnv(t, cfgOf(leaf("virus", "clamfilter")))
	saved := childRSS
	t.Cleanup(func() { childRSS = saved })
	childRSS = func(pid int) (uint64, error) {
		if pid == 200 {
			return 1234, nil
		}
		return 0, errors.New("no such process")
	}

	if env.s.dispatchFrontend(frontendMsg(imsg.CtlShowMainInfo, 77, nil)) {
		t.Fatal("status request requested shutdown")
	}

	msgs := env.frontend.messages()
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want info and end", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Type != imsg.CtlEnd || last.Pid != 77 {
		t.Fatalf("last message = %+v, want CTL_END for request 77", last)
	}

	var body strings.Builder
	for _, m := range msgs[:len(msgs)-1] {
		if m.Type != imsg.CtlMainInfo || m.Pid != 77 {
			t.Fatalf("unexpected message %+v", m)
		}
		if len(m.Data) > imsg.MaxPayload {
			t.Fatalf("chunk of %d bytes exceeds payload limit", len(m.Data))
		}
		body.WriteString(m.Data)
	}
	for _, want := range []string{
		"smtpfd_uptime_seconds",
		`smtpfd_process_resident_memory_bytes{role="engine"} 1234`,
		`smtpfd_config_entries{kind="filter"} 1`,
		`smtpfd_filter_spawn_total{filter="virus"} 1`,
	} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("status missing %q", want)
		}
	}
}

func TestDispatchReload(t *testing.T) {
	env := startedEnv(t, cfgOf())
	if err := os.WriteFile(env.s.configPath, []byte(reloadTOML), 0644); err != nil {
		t.Fatal(err)
	}
	requests := env.count(events.ControlRequest)

	if env.s.dispatchFrontend(frontendMsg(imsg.CtlReload, 0, nil)) {
		t.Fatal("reload request requested shutdown")
	}
	if env.s.Config().Lookup("all") == nil {
		t.Fatal("reload request did not install the new config")
	}
	if requests() != 1 {
		t.Fatalf("control requests = %d, want 1", requests())
	}
}

func TestDispatchReloadFailureNotFatal(t *testing.T) {
	env := startedEnv(t, cfgOf())
	if env.s.dispatchFrontend(frontendMsg(imsg.CtlReload, 0, nil)) {
		t.Fatal("failed reload requested shutdown")
	}
	if !strings.Contains(env.logs.String(), "configuration reload failed") {
		t.Fatal("failure not logged")
	}
}

func TestDispatchUnknownIgnored(t *testing.T) {
	env := startedEnv(t, cfgOf())

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	ev := frontendMsg(imsg.ReconfEnd, 0, nil)
	ev.Msg.File = r

	if env.s.dispatchFrontend(ev) {
		t.Fatal("unknown message requested shutdown")
	}
	if err := r.Close(); err == nil {
		t.Fatal("descriptor on unknown message was not closed")
	}
	if !strings.Contains(env.logs.String(), "unexpected message from frontend") {
		t.Fatal("unknown message not logged")
	}

	if env.s.dispatchEngine(frontendMsg(imsg.CtlReload, 0, nil)) {
		t.Fatal("engine message requested shutdown")
	}
	if !strings.Contains(env.logs.String(), "unexpected message from engine") {
		t.Fatal("engine message not logged")
	}
}

func TestDispatchClosed(t *testing.T) {
	env := startedEnv(t, cfgOf())
	if !env.s.dispatchFrontend(imsg.Event{Closed: true}) {
		t.Fatal("frontend closure did not end the loop")
	}
	if !env.s.dispatchEngine(imsg.Event{Closed: true, Err: errors.New("reset")}) {
		t.Fatal("engine failure did not end the loop")
	}
	if !strings.Contains(env.logs.String(), "channel failed") {
		t.Fatal("channel error not logged")
	}
}
