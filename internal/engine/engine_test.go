package engine

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

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

// filterProc sends a FILTER_PROC for name and returns the filter's own end,
// which observes end of stream once the engine releases the process.
func filterProc(t *testing.T, main *imsg.Channel, name string, pid uint32) *imsg.Channel {
	t.Helper()
	local, remote, err := imsg.Pair()
	if err != nil {
		t.Fatal(err)
	}
	if err := main.Compose(imsg.ReconfFilterProc, 0, pid, remote, []byte(name)); err != nil {
		t.Fatal(err)
	}
	ch, err := imsg.New(local)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func send(t *testing.T, main *imsg.Channel, typ imsg.Type, data string) {
	t.Helper()
	var payload []byte
	if data != "" {
		payload = []byte(data)
	}
	if err := main.Compose(typ, 0, 0, nil, payload); err != nil {
		t.Fatal(err)
	}
}

type running struct {
	e    *Engine
	main *imsg.Channel
	done chan error
}

func startEngine(t *testing.T) *running {
	t.Helper()
	main, child := testPair(t)
	r := &running{e: New(child, testLogger()), main: main, done: make(chan error, 1)}
	go func() { r.done <- r.e.Run() }()
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
		t.Fatal("engine did not exit")
		return nil
	}
}

// waitActive polls until the active table satisfies ok.
func waitActive(t *testing.T, e *Engine, ok func(*Table) bool) *Table {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tab := e.Active(); ok(tab) {
			return tab
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("configuration not applied")
	return nil
}

// waitClosed waits for end of stream on a filter's end of its channel.
func waitClosed(t *testing.T, ch *imsg.Channel) {
	t.Helper()
	select {
	case ev := <-ch.Events():
		if !ev.Closed {
			t.Fatalf("unexpected message %s", ev.Msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("filter process was not released")
	}
}

func sendVirusAll(t *testing.T, main *imsg.Channel) *imsg.Channel {
	t.Helper()
	send(t, main, imsg.ReconfConf, "")
	virus := filterProc(t, main, "virus", 1001)
	send(t, main, imsg.ReconfFilter, "virus")
	send(t, main, imsg.ReconfFilter, "all")
	send(t, main, imsg.ReconfFilterNode, "virus")
	send(t, main, imsg.ReconfEnd, "")
	return virus
}

func TestEngineAppliesOnEnd(t *testing.T) {
	r := startEngine(t)
	sendVirusAll(t, r.main)

	tab := waitActive(t, r.e, func(tab *Table) bool { return tab.Len() == 2 })
	virus := tab.Lookup("virus")
	if virus == nil || virus.Proc == nil || virus.Proc.Pid != 1001 {
		t.Fatalf("virus = %+v, want a process with pid 1001", virus)
	}
	all := tab.Lookup("all")
	if all == nil || all.Proc != nil {
		t.Fatalf("all = %+v, want a chain", all)
	}
	if !reflect.DeepEqual(all.Members, []string{"virus"}) {
		t.Fatalf("members = %v, want [virus]", all.Members)
	}
	if tab.Filters[0].Name != "virus" || tab.Filters[1].Name != "all" {
		t.Fatal("declaration order not kept")
	}
}

func TestEngineNothingBeforeEnd(t *testing.T) {
	r := startEngine(t)
	send(t, r.main, imsg.ReconfConf, "")
	filterProc(t, r.main, "virus", 1001)
	send(t, r.main, imsg.ReconfFilter, "virus")

	time.Sleep(50 * time.Millisecond)

	if r.e.Active() != nil {
		t.Fatal("table active before RECONF_END")
	}
}

func TestEngineReloadReleasesOldFilters(t *testing.T) {
	r := startEngine(t)
	first := sendVirusAll(t, r.main)
	waitActive(t, r.e, func(tab *Table) bool { return tab.Len() == 2 })

	send(t, r.main, imsg.ReconfConf, "")
	spam := filterProc(t, r.main, "spam", 2002)
	send(t, r.main, imsg.ReconfFilter, "spam")
	send(t, r.main, imsg.ReconfEnd, "")

	tab := waitActive(t, r.e, func(tab *Table) bool { return tab.Lookup("spam") != nil })
	if tab.Lookup("virus") != nil {
		t.Fatal("old filter still active")
	}
	waitClosed(t, first)

	r.main.Close()
	if err := r.wait(t); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, spam)
}

func TestEngineUnclaimedProcessReleased(t *testing.T) {
	r := startEngine(t)
	send(t, r.main, imsg.ReconfConf, "")
	orphan := filterProc(t, r.main, "ghost", 3003)
	send(t, r.main, imsg.ReconfEnd, "")

	waitClosed(t, orphan)
	if tab := r.e.Active(); tab == nil || tab.Len() != 0 {
		t.Fatalf("active = %+v, want empty table", tab)
	}
}

func TestEngineRestartedSequenceDiscardsPending(t *testing.T) {
	r := startEngine(t)
	send(t, r.main, imsg.ReconfConf, "")
	stale := filterProc(t, r.main, "virus", 1001)
	send(t, r.main, imsg.ReconfConf, "")
	send(t, r.main, imsg.ReconfEnd, "")

	waitClosed(t, stale)
	waitActive(t, r.e, func(tab *Table) bool { return tab != nil && tab.Len() == 0 })
}

func TestEngineExitsWhenMainCloses(t *testing.T) {
	r := startEngine(t)
	r.main.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if r.e.Active() != nil {
		t.Fatal("table kept after shutdown")
	}
}

func TestEngineFrontendLink(t *testing.T) {
	r := startEngine(t)
	local, remote, err := imsg.Pair()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.main.Compose(imsg.SocketIPC, 0, 0, remote, nil); err != nil {
		t.Fatal(err)
	}
	fe, err := imsg.New(local)
	if err != nil {
		t.Fatal(err)
	}
	defer fe.Close()

	// Unexpected traffic on the link is ignored, not fatal.
	if err := fe.Compose(imsg.CtlReload, 0, 0, nil, nil); err != nil {
		t.Fatal(err)
	}
	sendVirusAll(t, r.main)
	waitActive(t, r.e, func(tab *Table) bool { return tab.Len() == 2 })

	r.main.Close()
	r.wait(t)
	waitClosed(t, fe)
}

func TestHandleOutOfSequence(t *testing.T) {
	e := New(nil, testLogger())
	for _, typ := range []imsg.Type{imsg.ReconfFilter, imsg.ReconfFilterNode, imsg.ReconfEnd} {
		err := e.handle(imsg.Msg{Header: imsg.Header{Type: typ}, Data: []byte("x")})
		if !errors.Is(err, ErrNoSequence) {
			t.Errorf("%s: err = %v, want ErrNoSequence", typ, err)
		}
	}
}

func TestHandleMalformed(t *testing.T) {
	e := New(nil, testLogger())
	if err := e.handle(imsg.Msg{Header: imsg.Header{Type: imsg.ReconfConf}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  imsg.Msg
	}{
		{"proc without descriptor", imsg.Msg{Header: imsg.Header{Type: imsg.ReconfFilterProc}, Data: []byte("v")}},
		{"link without descriptor", imsg.Msg{Header: imsg.Header{Type: imsg.SocketIPC}}},
		{"member before filter", imsg.Msg{Header: imsg.Header{Type: imsg.ReconfFilterNode}, Data: []byte("v")}},
		{"unknown type", imsg.Msg{Header: imsg.Header{Type: imsg.CtlEnd}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := e.handle(tc.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if err := e.handle(imsg.Msg{Header: imsg.Header{Type: imsg.ReconfFilter}, Data: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := e.handle(imsg.Msg{Header: imsg.Header{Type: imsg.ReconfFilter}, Data: []byte("a")}); err == nil {
		t.Fatal("expected error for duplicate declaration")
	}
}

func TestTableNil(t *testing.T) {
	var tab *Table
	if tab.Len() != 0 || tab.Lookup("x") != nil {
		t.Fatal("nil table not empty")
	}
}
