package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailflow/internal/auth"
	"github.com/Martian-dev/mailflow/internal/config"
	natsjs "github.com/Martian-dev/mailflow/internal/nats"
	"github.com/Martian-dev/mailflow/internal/providers/gmail"
	"github.com/Martian-dev/mailflow/internal/providers/outlook"
	"github.com/Martian-dev/mailflow/internal/state"
	"github.com/Martian-dev/mailflow/internal/store"
	"github.com/Martian-dev/mailflow/internal/sync"
	"github.com/Martian-dev/mailflow/internal/thread"
)

func main() {
	configPath := os.Getenv("MAILFLOW_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "mailflow.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := publisher.EnsureStream(ctx); err != nil {
		log.Fatal(err)
	}

	clients := make(map[string]auth.ClientIdentity, len(cfg.Services))
	for name, svc := range cfg.Services {
		clients[name] = auth.ClientIdentity{
			TokenURL:     svc.TokenURL,
			ClientID:     svc.ClientID,
			ClientSecret: svc.ClientSecret,
			Scope:        svc.Scope,
		}
	}
	refresher := auth.NewRefresher(st, auth.NewHTTPExchanger(clients))

	factory := func(ctx context.Context, service string) (sync.MailProvider, error) {
		svc, ok := cfg.Services[service]
		if !ok {
			return nil, fmt.Errorf("unknown service %q", service)
		}
		switch svc.Provider {
		case "outlook":
			return outlook.New(refresher, service)
		case "gmail":
			return gmail.New(ctx, refresher, service)
		default:
			return nil, fmt.Errorf("unsupported provider %q", svc.Provider)
		}
	}

	manager := sync.NewManager(st, factory, time.Duration(cfg.PollIntervalSec)*time.Second)
	defer manager.StopAll()

	dispatcher := &sync.Dispatcher{Store: st, Publisher: publisher}
	go dispatcher.Run(ctx)

	for _, s := range cfg.Streams {
		err := manager.StartStream(ctx, sync.StreamConfig{
			Mailbox: s.Mailbox,
			Folder:  s.Folder,
			Service: s.Service,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	var validator state.Validator
	if cfg.ValidationURL != "" {
		validator = state.NewHTTPValidator(cfg.ValidationURL)
	}
	tracker := state.NewTracker(st, validator)

	r := gin.Default()

	api := r.Group("/")
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal(err)
		}
		api.Use(jwtMiddleware(verifier))
	}

	api.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.RunningStreams()})
	})

	api.POST("/streams/:mailbox/:folder/start", func(c *gin.Context) {
		cfgStream, ok := findStream(cfg, c.Param("mailbox"), c.Param("folder"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not configured"})
			return
		}
		err := manager.StartStream(ctx, sync.StreamConfig{
			Mailbox: cfgStream.Mailbox,
			Folder:  cfgStream.Folder,
			Service: cfgStream.Service,
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/streams/:mailbox/:folder/stop", func(c *gin.Context) {
		if err := manager.StopStream(c.Param("mailbox"), c.Param("folder")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/services/:service/resume", func(c *gin.Context) {
		manager.ResumeService(c.Param("service"))
		c.Status(http.StatusNoContent)
	})

	api.GET("/services/:service/credential", func(c *gin.Context) {
		cred, err := st.GetCredential(c.Request.Context(), c.Param("service"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"service":      cred.Service,
			"expires_at":   cred.ExpiresAt,
			"acquired_via": cred.AcquiredVia,
			"scope":        cred.Scope,
			"updated_at":   cred.UpdatedAt,
			"suspended":    manager.IsSuspended(cred.Service),
		})
	})

	api.GET("/mailboxes/:mailbox/threads", func(c *gin.Context) {
		msgs, err := st.MailboxMessages(c.Request.Context(), c.Param("mailbox"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, thread.Assemble(msgs))
	})

	api.GET("/conversations/:id", func(c *gin.Context) {
		msgs, err := st.ConversationMessages(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(msgs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		thread.Order(msgs)
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "messages": msgs})
	})

	api.POST("/messages/:id/pin", messageStateHandler(func(c *gin.Context) error {
		return tracker.SetPinned(c.Request.Context(), c.Param("id"), true)
	}))

	api.DELETE("/messages/:id/pin", messageStateHandler(func(c *gin.Context) error {
		return tracker.SetPinned(c.Request.Context(), c.Param("id"), false)
	}))

	api.POST("/messages/:id/followup", messageStateHandler(func(c *gin.Context) error {
		return tracker.RecordFollowUpSent(c.Request.Context(), c.Param("id"), time.Now())
	}))

	api.POST("/messages/:id/validate", func(c *gin.Context) {
		result, err := tracker.RunValidation(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	api.GET("/messages/:id/state", func(c *gin.Context) {
		ms, err := tracker.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ms)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	log.Printf("mailflow listening on %s", cfg.HTTPAddr)

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func findStream(cfg *config.Config, mailbox, folder string) (config.StreamConfig, bool) {
	for _, s := range cfg.Streams {
		if s.Mailbox == mailbox && s.Folder == folder {
			return s, true
		}
	}
	return config.StreamConfig{}, false
}

func messageStateHandler(fn func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func jwtMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("principal", principal)
		c.Next()
	}
}
