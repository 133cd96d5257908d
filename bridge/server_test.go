package bridge_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/wasmserve/addr"
	"github.com/caffeineduck/wasmserve/bridge"
	"github.com/caffeineduck/wasmserve/guest"
	"github.com/caffeineduck/wasmserve/hostfunc"
	"github.com/caffeineduck/wasmserve/internal/wasmtest"
)

var sharedRuntime *guest.Runtime

func TestMain(m *testing.M) {
	var err error
	sharedRuntime, err = guest.GetTestRuntime()
	if err != nil {
		panic("failed to create shared runtime: " + err.Error())
	}

	code := m.Run()

	guest.CloseTestRuntime()
	os.Exit(code)
}

type served struct {
	srv  *bridge.Server
	inst *guest.Instance
	url  string
	done chan int
}

// serveGuest starts g behind a bridge on an ephemeral loopback port and
// waits for its listener.
func serveGuest(t testing.TB, rt *guest.Runtime, g wasmtest.Guest, opts ...bridge.Option) *served {
	t.Helper()

	srv := bridge.NewServer(append([]bridge.Option{bridge.WithBindHost("127.0.0.1")}, opts...)...)
	inst, err := rt.Start(context.Background(), g.Bytes(), guest.WithHost(srv))
	require.NoError(t, err)
	srv.Attach(inst)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		code, _ := inst.Run(ctx)
		done <- code
	}()

	require.Eventually(t, func() bool { return len(srv.Addrs()) > 0 }, 5*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		<-done
		inst.Close(context.Background())
	})

	return &served{srv: srv, inst: inst, url: "http://" + srv.Addrs()[0], done: done}
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// =============================================================================
// END TO END
// =============================================================================

func TestPingPong(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerPong})

	resp, body := post(t, s.url, "ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
	assert.Equal(t, wasmtest.HeaderValue, resp.Header.Get(wasmtest.HeaderName))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	stats := s.srv.Stats()
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestPingPongDeferredToPoll(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerDeferred})

	resp, body := post(t, s.url, "ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestRequestIDPropagated(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerInfo})

	req, err := http.NewRequest(http.MethodGet, s.url+"/items?page=2", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "fixed-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "fixed-id", resp.Header.Get("X-Request-Id"))
	assert.Contains(t, string(data), `"request_id":"fixed-id"`)
	assert.Contains(t, string(data), `"path":"/items"`)
	assert.Contains(t, string(data), `"query":"page=2"`)
}

func TestEchoBytesUnchanged(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerEcho})

	payload := "binary\x00\xff\x10 payload"
	_, body := post(t, s.url, payload)
	assert.Equal(t, payload, body)
}

func TestConcurrentRequestsIsolated(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerEcho})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("request-%d", i)
			resp, err := http.Post(s.url, "text/plain", strings.NewReader(want))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			got, _ := io.ReadAll(resp.Body)
			if string(got) != want {
				errs <- fmt.Errorf("request %d: got %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(n), s.srv.Stats().Completed)
}

func TestSecondCompletionNotWritten(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerTwice})

	for i := 0; i < 3; i++ {
		resp, body := post(t, s.url, "ping")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "pong", body)
	}
	// The guest exits with 9 when a second completion is accepted.
	assert.False(t, s.inst.Exited())
	assert.Equal(t, uint64(3), s.srv.Stats().Completed)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestGuestFailureIs502(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerFail})

	resp, body := post(t, s.url, "ping")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, wasmtest.FailMessage)
	assert.Equal(t, uint64(1), s.srv.Stats().Failed)
}

func TestGuestTrapIs502(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerTrap})

	resp, body := post(t, s.url, "ping")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "guest trapped")

	// A trapped handler leaves the guest serving.
	resp, _ = post(t, s.url, "ping")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGuestExitDuringRequest(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerExit, ExitCode: 4})

	resp, _ := post(t, s.url, "ping")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	select {
	case code := <-s.done:
		assert.Equal(t, 4, code)
		s.done <- code
	case <-time.After(5 * time.Second):
		t.Fatal("guest loop did not stop")
	}

	resp, _ = post(t, s.url, "ping")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBodyTooLarge(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerEcho}, bridge.WithMaxBodySize(8))

	resp, _ := post(t, s.url, "this body is longer than eight bytes")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, uint64(0), s.srv.Stats().Dispatched)
}

// =============================================================================
// HANGS AND TIMEOUTS
// =============================================================================

func TestSilentGuestHangsUntilClientGivesUp(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerSilent})

	client := &http.Client{Timeout: 300 * time.Millisecond}
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Post(s.url, "text/plain", strings.NewReader("ping"))
		if err == nil {
			resp.Body.Close()
		}
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.srv.Stats().Pending == 1 }, 2*time.Second, 5*time.Millisecond)

	err := <-errCh
	require.Error(t, err, "request to a silent guest must not complete")

	require.Eventually(t, func() bool {
		st := s.srv.Stats()
		return st.Pending == 0 && st.Abandoned == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), s.srv.Stats().Completed)
}

func TestRequestTimeout(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerSilent},
		bridge.WithRequestTimeout(100*time.Millisecond))

	resp, _ := post(t, s.url, "ping")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, uint64(1), s.srv.Stats().Abandoned)
}

func TestShutdownFailsPending(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerSilent})

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(s.url, "text/plain", strings.NewReader("ping"))
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	require.Eventually(t, func() bool { return s.srv.Stats().Pending == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.srv.Shutdown(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, <-statusCh)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestGzip(t *testing.T) {
	s := serveGuest(t, sharedRuntime, wasmtest.Guest{Handler: wasmtest.HandlerEcho}, bridge.WithGzip(true))

	req, err := http.NewRequest(http.MethodPost, s.url, strings.NewReader(strings.Repeat("compressible ", 200)))
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestHostCallThroughBridge(t *testing.T) {
	registry := hostfunc.NewRegistry()
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	kv.Register(registry)
	_, err := kv.Set(context.Background(), map[string]any{"key": "greeting", "value": "hello"})
	require.NoError(t, err)

	rt, err := guest.New(registry)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	s := serveGuest(t, rt, wasmtest.Guest{Handler: wasmtest.HandlerHostCall})

	_, body := post(t, s.url, "")
	assert.JSONEq(t, `{"data":"hello"}`, body)
}

func TestServeRejectsBadHint(t *testing.T) {
	srv := bridge.NewServer()
	srv.Attach(noopDispatcher{})

	assert.ErrorIs(t, srv.Serve(":80", 1), addr.ErrShortHint)
	assert.ErrorIs(t, srv.Serve(":abcd", 1), addr.ErrInvalidPort)
	assert.Empty(t, srv.Addrs())
}

func TestServeNeedsDispatcher(t *testing.T) {
	srv := bridge.NewServer()
	assert.ErrorIs(t, srv.Serve(":0000", 1), bridge.ErrNotAttached)
}

func TestServeAfterShutdown(t *testing.T) {
	srv := bridge.NewServer()
	srv.Attach(noopDispatcher{})
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.Serve(":0000", 1), bridge.ErrShutdown)
}

func TestLookupUnknown(t *testing.T) {
	srv := bridge.NewServer()
	_, ok := srv.Lookup(42)
	assert.False(t, ok)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(guest.HandlerRef, guest.RequestID) error { return nil }
func (noopDispatcher) Hold() func() { return func() {} }
