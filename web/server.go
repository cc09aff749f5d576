package web

import (
	"context"
	"net/http"
	"time"
)

// StartWebServer initializes and starts the status server in a new
// goroutine. It takes an AppController, which is an interface implemented
// by the main application.
func StartWebServer(ctx context.Context, addr string, controller AppController) {
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", statusHandler(controller))
	mux.HandleFunc("/positions", positionsHandler(controller))
	mux.HandleFunc("/safety/history", safetyHistoryHandler(controller))
	mux.HandleFunc("/events", eventsHandler(controller))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		controller.Logger().LogInfo("Starting status server on http://localhost%s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			controller.Logger().LogFatal("Status server failed: %v", err)
		}
	}()

	// Listen for context cancellation to gracefully shut down the server
	go func() {
		<-ctx.Done()
		controller.Logger().LogInfo("Shutting down status server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			controller.Logger().LogError("Status server graceful shutdown failed: %v", err)
		}
	}()
}
