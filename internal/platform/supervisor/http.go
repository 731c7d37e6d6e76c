package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	ListenAndServeTLS(certFile, keyFile string) error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTPServer to suture.Service.
type HTTPService struct {
	server          HTTPServer
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// WithTLS serves HTTPS with the given PEM files.
func (h *HTTPService) WithTLS(certFile, keyFile string) *HTTPService {
	h.certFile, h.keyFile = certFile, keyFile
	return h
}

func (h *HTTPService) listen() error {
	if h.certFile != "" {
		return h.server.ListenAndServeTLS(h.certFile, h.keyFile)
	}
	return h.server.ListenAndServe()
}

// Serve runs the server until ctx is cancelled, then shuts it down
// gracefully. A listener failure is returned so suture restarts it.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
