package frontend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smtpfd/smtpfd/internal/api"
	"github.com/smtpfd/smtpfd/internal/imsg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPair(t *testing.T) (*imsg.Channel, *imsg.Channel) {
	t.Helper()
	a, b, err := imsg.Pair()
	if err != nil {
		t.Fatal(err)
	}
	ca, err := imsg.New(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := imsg.New(b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

type running struct {
	fe   *Frontend
	main *imsg.Channel
	done chan error
}

func startFrontend(t *testing.T) *running {
	t.Helper()
	main, child := testPair(t)
	r := &running{fe: New(child, testLogger()), main: main, done: make(chan error, 1)}
	go func() { r.done <- r.fe.Run() }()
	t.Cleanup(func() {
		main.Close()
		r.wait(t)
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("frontend did not exit")
		return nil
	}
}

// next reads the next message main receives.
func next(main *imsg.Channel) (imsg.Msg, error) {
	select {
	case ev := <-main.Events():
		if ev.Closed {
			return imsg.Msg{}, errors.New("frontend closed the channel")
		}
		return ev.Msg, nil
	case <-time.After(5 * time.Second):
		return imsg.Msg{}, errors.New("no message from frontend")
	}
}

func recv(t *testing.T, main *imsg.Channel) imsg.Msg {
	t.Helper()
	m, err := next(main)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// answerStatus plays main: it waits for one status query and replies with
// the given chunks. It runs on its own goroutine and reports with t.Error.
func answerStatus(t *testing.T, main *imsg.Channel, chunks ...string) {
	m, err := next(main)
	if err != nil {
		t.Error(err)
		return
	}
	if m.Type != imsg.CtlShowMainInfo {
		t.Errorf("got %s, want CTL_SHOW_MAIN_INFO", m.Type)
		return
	}
	for _, c := range chunks {
		if err := main.Compose(imsg.CtlMainInfo, 0, m.Pid, nil, []byte(c)); err != nil {
			t.Error(err)
			return
		}
	}
	if err := main.Compose(imsg.CtlEnd, 0, m.Pid, nil, nil); err != nil {
		t.Error(err)
	}
}

func TestRelayReload(t *testing.T) {
	r := startFrontend(t)
	if err := r.fe.Reload(); err != nil {
		t.Fatal(err)
	}
	if m := recv(t, r.main); m.Type != imsg.CtlReload {
		t.Fatalf("got %s, want CTL_RELOAD", m.Type)
	}
}

func TestRelayVerbose(t *testing.T) {
	r := startFrontend(t)
	if err := r.fe.SetVerbose(2); err != nil {
		t.Fatal(err)
	}
	m := recv(t, r.main)
	if m.Type != imsg.CtlLogVerbose {
		t.Fatalf("got %s, want CTL_LOG_VERBOSE", m.Type)
	}
	if n, err := m.Int(); err != nil || n != 2 {
		t.Fatalf("payload = %d, %v; want 2", n, err)
	}
}

func TestStatusAssemblesChunks(t *testing.T) {
	r := startFrontend(t)
	go answerStatus(t, r.main, "smtpfd_uptime_seconds 3\n", "smtpfd_log_verbosity 1\n")

	body, err := r.fe.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := "smtpfd_uptime_seconds 3\nsmtpfd_log_verbosity 1\n"
	if string(body) != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
	if r.fe.Pending() != 0 {
		t.Fatal("waiter left behind")
	}
}

func TestStatusRoutesById(t *testing.T) {
	r := startFrontend(t)

	// A reply for a request nobody is waiting for is dropped.
	if err := r.main.Compose(imsg.CtlMainInfo, 0, 999, nil, []byte("stray\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.main.Compose(imsg.CtlEnd, 0, 999, nil, nil); err != nil {
		t.Fatal(err)
	}
	go answerStatus(t, r.main, "mine\n")

	body, err := r.fe.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "mine\n" {
		t.Fatalf("body = %q, want only the matching reply", body)
	}
}

func TestStatusTimeout(t *testing.T) {
	r := startFrontend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := r.fe.Status(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if r.fe.Pending() != 0 {
		t.Fatal("timed out waiter not removed")
	}
}

func TestMainGone(t *testing.T) {
	r := startFrontend(t)

	result := make(chan error, 1)
	go func() {
		_, err := r.fe.Status(context.Background())
		result <- err
	}()
	recv(t, r.main)
	r.main.Close()

	if err := r.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, api.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
	if err := r.fe.Reload(); !errors.Is(err, api.ErrUnavailable) {
		t.Fatalf("Reload after close = %v, want ErrUnavailable", err)
	}
}

func TestEngineLinkClosedOnExit(t *testing.T) {
	r := startFrontend(t)
	local, remote, err := imsg.Pair()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.main.Compose(imsg.SocketIPC, 0, 0, remote, nil); err != nil {
		t.Fatal(err)
	}
	engine, err := imsg.New(local)
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	// Round trip so the link has been taken before main goes away.
	go answerStatus(t, r.main)
	if _, err := r.fe.Status(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.main.Close()
	r.wait(t)
	select {
	case ev := <-engine.Events():
		if !ev.Closed {
			t.Fatalf("unexpected message %s", ev.Msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine link not closed")
	}
}

func TestControlAPIThroughFrontend(t *testing.T) {
	r := startFrontend(t)
	srv := httptest.NewServer(api.NewServer(r.fe, testLogger()).Handler())
	defer srv.Close()

	go answerStatus(t, r.main, `smtpfd_config_entries{kind="filter"} 2`+"\n")
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `smtpfd_config_entries{kind="filter"} 2`) {
		t.Fatalf("body = %q", body)
	}

	resp, err = http.Post(srv.URL+"/api/v1/log/verbose", "application/json", strings.NewReader(`{"verbose":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verbose status %d", resp.StatusCode)
	}
	if m := recv(t, r.main); m.Type != imsg.CtlLogVerbose {
		t.Fatalf("got %s, want CTL_LOG_VERBOSE", m.Type)
	}
}
