package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeServer struct {
	mu        sync.Mutex
	stop      chan struct{}
	listenErr error
	tls       bool
	shutdowns int
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) ListenAndServeTLS(_, _ string) error {
	f.mu.Lock()
	f.tls = true
	f.mu.Unlock()
	return f.ListenAndServe()
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	close(f.stop)
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPService(srv, time.Second).WithTLS("cert.pem", "key.pem")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.shutdowns != 1 || !srv.tls {
		t.Errorf("shutdowns=%d tls=%v", srv.shutdowns, srv.tls)
	}
}

func TestHTTPService_ListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listenErr = errors.New("address already in use")
	err := NewHTTPService(srv, 0).Serve(context.Background())
	if err == nil || !strings.Contains(err.Error(), "address already in use") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

type flakyService struct {
	runs atomic.Int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	if f.runs.Add(1) == 1 {
		panic("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyService) String() string { return "flaky" }

func TestTree_RestartsPanickingWorker(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := zerolog.New(&lockedWriter{w: &buf, mu: &mu})

	tree := New(logger, Config{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flakyService{}
	tree.AddWorker(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errCh

	if svc.runs.Load() < 2 {
		t.Fatalf("expected restart after panic, runs=%d", svc.runs.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), "supervisor") {
		t.Errorf("expected panic logged at error level, got %s", buf.String())
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestDefaultConfigApplied(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c != DefaultConfig() {
		t.Errorf("got %+v", c)
	}
}
