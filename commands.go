package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pixchat/internal/api"
	"pixchat/internal/models"
	"pixchat/internal/redis"
	"pixchat/internal/service/catalog"
	"pixchat/internal/service/history"
	"pixchat/internal/service/ollama"
	"pixchat/internal/service/pipeline"
	"pixchat/internal/service/store"
	"pixchat/internal/session"
	"pixchat/internal/storage"
)

const catalogTTL = time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeOnly, _ := cmd.Flags().GetBool("store-only")
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}

	dbType := storage.Normalize(cfg.BasicConfig.Database)
	logger.Info("opening message store", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	historySvc := history.NewService(db, dbType)
	historySvc.StartJanitor(ctx, cfg.BasicConfig.JanitorInterval(), cfg.BasicConfig.StaleGeneration(), logger)

	var manager *session.Manager
	if !storeOnly {
		var closeCache func()
		manager, closeCache, err = buildManager(ctx, true)
		if err != nil {
			return err
		}
		defer closeCache()
	}

	if !logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	var sessions api.SessionManager
	if manager != nil {
		sessions = manager
	}
	api.NewHandler(historySvc, sessions, logger).RegisterRoutes(router)

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.Bool("store_only", storeOnly))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildManager wires the generation stack. The returned func releases the
// redis connection, if any.
func buildManager(ctx context.Context, withCache bool) (*session.Manager, func(), error) {
	client := ollama.NewClient(cfg.Ollama, logger)
	pipe, err := pipeline.New(client, pipeline.Options{
		PlaceholderURL: cfg.Ollama.PlaceholderURL,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := session.Options{
		Lister:     client,
		Prober:     client,
		CatalogTTL: catalogTTL,
		Logger:     logger,
	}
	if !cfg.Backend.Disabled && cfg.Backend.URL != "" {
		opts.Store = store.NewClient(cfg.Backend)
	}

	release := func() {}
	if withCache && cfg.Redis.Enabled {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis client: %w", err)
		}
		opts.Cache = rdb
		release = func() { _ = rdb.Close() }
	}

	manager := session.NewManager(pipe, opts)
	if err := manager.Start(ctx); err != nil {
		release()
		return nil, nil, fmt.Errorf("start session events: %w", err)
	}
	return manager, release, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := ollama.NewClient(cfg.Ollama, logger)
	if client.Probe(cmd.Context()) {
		fmt.Fprintf(cmd.OutOrStdout(), "connected: %s\n", client.BaseURL())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "not connected: %s\n", client.BaseURL())
	}

	if cfg.Backend.Disabled {
		return nil
	}
	if err := store.NewClient(cfg.Backend).Health(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "message store unavailable: %v\n", err)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "message store: %s\n", cfg.Backend.URL)
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	client := ollama.NewClient(cfg.Ollama, logger)
	list := catalog.New(client, 0, logger).Discover(cmd.Context())
	grouped := catalog.Categorize(list)

	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"models": list, "categorized": grouped})
	}
	if len(list) == 0 {
		fmt.Fprintf(out, "no models found at %s\n", client.BaseURL())
		return nil
	}
	groups := append(append([]models.ModelCategory(nil), catalog.Categories...),
		models.ModelCategory{ID: catalog.OtherCategory, Name: "Other"})
	for _, cat := range groups {
		entries := grouped[cat.ID]
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s (%d)\n", cat.Name, len(entries))
		for _, m := range entries {
			fmt.Fprintf(out, "  %-32s %10s  %s\n", catalog.DisplayName(m.Name), catalog.FormatSize(m.Size), m.Name)
		}
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, release, err := buildManager(ctx, false)
	if err != nil {
		return err
	}
	defer release()

	sessionID, _ := cmd.Flags().GetString("session")
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		if _, err := manager.SelectModel(ctx, sessionID, models.SelectedModel{Name: model}); err != nil {
			return err
		}
	}

	exchange, err := manager.Submit(ctx, session.SubmitRequest{
		SessionID: sessionID,
		Prompt:    strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, exchange.Assistant.Content)
	if exchange.Assistant.Error != "" {
		return errors.New(exchange.Assistant.Error)
	}
	for _, img := range exchange.Assistant.Images {
		fmt.Fprintf(out, "  %s  %s\n", img.ID, img.URL)
	}
	return nil
}
