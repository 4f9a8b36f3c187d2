// Package server runs fiber apps inside an errgroup.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

// RunFiber serves fiberApp on addr until ctx is done. A non-nil tlsConfig wraps the listener.
func RunFiber(ctx context.Context, fiberApp *fiber.App, addr string, tlsConfig *tls.Config, group *errgroup.Group) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	RunFiberWithListener(ctx, fiberApp, listener, group)
	return nil
}

// RunFiberWithListener serves fiberApp on listener until ctx is done.
func RunFiberWithListener(ctx context.Context, fiberApp *fiber.App, listener net.Listener, group *errgroup.Group) {
	group.Go(func() error {
		if err := fiberApp.Listener(listener); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		if err := fiberApp.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})
}
