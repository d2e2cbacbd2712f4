package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/luoshen/wxbridge/pkg/config"
	"github.com/luoshen/wxbridge/pkg/convert"
	"github.com/luoshen/wxbridge/pkg/endpoint"
	"github.com/luoshen/wxbridge/pkg/logger"
	"github.com/luoshen/wxbridge/pkg/router"
	"github.com/luoshen/wxbridge/pkg/sched"
	"github.com/luoshen/wxbridge/pkg/webui"
	"github.com/luoshen/wxbridge/pkg/wsclient"
)

const version = "0.1.0"
const logo = "🌉"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "run":
		runCmd()
	case "status":
		statusCmd()
	case "version", "--version", "-v":
		fmt.Printf("%s wxbridge v%s\n", logo, version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s wxbridge - WeChat/OneBot message bridge v%s\n\n", logo, version)
	fmt.Println("Usage: wxbridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Initialize wxbridge configuration")
	fmt.Println("  run         Start the bridge")
	fmt.Println("  status      Show wxbridge status")
	fmt.Println("  version     Show version information")
	fmt.Println()
	fmt.Println("Run options:")
	fmt.Println("  -d, --debug      Enable debug logging")
	fmt.Println("  -c, --config     Path to config file")
}

func onboard() {
	configPath := configPathFromArgs(os.Args[2:])

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	for _, dir := range []string{
		cfg.Message.ImageCacheDir,
		cfg.Message.FileCacheDir,
		cfg.Message.DownloadCacheDir,
	} {
		os.MkdirAll(dir, 0755)
	}

	fmt.Printf("%s wxbridge is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point onebot.ws_url in", configPath, "at your OneBot server")
	fmt.Println("  2. Set onebot.enabled to true")
	fmt.Println("  3. Start the bridge: wxbridge run")
}

func runCmd() {
	godotenv.Load()

	args := os.Args[2:]
	debug := false
	for _, arg := range args {
		if arg == "--debug" || arg == "-d" {
			debug = true
			break
		}
	}
	configPath := configPathFromArgs(args)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Println("Invalid configuration:")
		for _, e := range errs {
			fmt.Printf("  • %s\n", e)
		}
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.BackupCount,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	// The flag outranks the configured level, so apply it after Init.
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	conv := convert.New(convert.Options{
		SelfID:            cfg.OneBot.SelfID,
		SelfNickname:      cfg.OneBot.SelfNickname,
		HeartbeatInterval: time.Duration(cfg.OneBot.HeartbeatInterval) * time.Second,
		ImageCacheDir:     cfg.Message.ImageCacheDir,
		VoiceCacheDir:     cfg.Message.DownloadCacheDir,
	})

	ep, err := buildEndpoint(cfg)
	if err != nil {
		fmt.Printf("Error creating %s endpoint: %v\n", cfg.Chat.Endpoint, err)
		os.Exit(1)
	}

	client := wsclient.New(wsclient.Options{
		URL:                  cfg.OneBot.WSUrl,
		AccessToken:          cfg.OneBot.AccessToken,
		SelfID:               cfg.OneBot.SelfID,
		HeartbeatInterval:    time.Duration(cfg.OneBot.HeartbeatInterval) * time.Second,
		ReconnectInterval:    time.Duration(cfg.OneBot.ReconnectInterval) * time.Second,
		MaxReconnectAttempts: cfg.OneBot.MaxReconnectAttempts,
	}, conv)

	rt := router.New(cfg, conv, client, ep)
	client.SetCallback(rt.EnqueueFrame)
	ep.SetHandler(rt.HandleChatMessage)

	scheduler := sched.New()
	registerMaintenanceTasks(scheduler, cfg, client, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.Start(ctx)

	if err := ep.Start(ctx); err != nil {
		fmt.Printf("Error starting %s endpoint: %v\n", cfg.Chat.Endpoint, err)
		os.Exit(1)
	}
	fmt.Printf("✓ Chat endpoint started: %s\n", ep.Name())

	if cfg.OneBot.Enabled {
		if err := client.Start(ctx); err != nil {
			fmt.Printf("Error starting OneBot client: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ OneBot client connecting to %s\n", cfg.OneBot.WSUrl)
	} else {
		fmt.Println("⚠ Warning: OneBot client disabled")
	}

	scheduler.Start()
	fmt.Println("✓ Maintenance scheduler started")

	var adminServer *webui.Server
	if cfg.WebUI.Enabled {
		adminServer = webui.NewServer(cfg, configPath, client, rt, ep, scheduler)
		if err := adminServer.Start(ctx); err != nil {
			fmt.Printf("Error starting admin API: %v\n", err)
		} else {
			fmt.Printf("✓ Admin API on %s:%d\n", cfg.WebUI.Host, cfg.WebUI.Port)
		}
	}

	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	if adminServer != nil {
		adminServer.Stop(context.Background())
	}
	scheduler.Stop()
	client.Stop()
	rt.Stop()
	ep.Stop(context.Background())
	fmt.Println("✓ Bridge stopped")
}

func buildEndpoint(cfg *config.Config) (endpoint.Endpoint, error) {
	switch cfg.Chat.Endpoint {
	case "telegram":
		return endpoint.NewTelegramEndpoint(cfg.Chat.TelegramToken)
	default:
		return endpoint.NewConsoleEndpoint(cfg.Chat.DefaultSender), nil
	}
}

func registerMaintenanceTasks(scheduler *sched.Scheduler, cfg *config.Config, client *wsclient.Client, rt *router.Router) {
	sweep := func(dir string) sched.TaskFunc {
		return func() error {
			removed, err := sched.SweepDir(dir, 24*time.Hour)
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.InfoCF("sched", "Swept cache directory", map[string]interface{}{
					"dir":     dir,
					"removed": removed,
				})
			}
			return nil
		}
	}

	scheduler.Add("sweep-image-cache", "0 * * * *", sweep(cfg.Message.ImageCacheDir))
	scheduler.Add("sweep-file-cache", "0 * * * *", sweep(cfg.Message.FileCacheDir))
	scheduler.Add("sweep-download-cache", "0 * * * *", sweep(cfg.Message.DownloadCacheDir))

	scheduler.Add("status-report", "*/5 * * * *", func() error {
		st := client.Status()
		logger.InfoCF("sched", "Bridge status", map[string]interface{}{
			"ws_state":     st.State,
			"ws_connected": st.Connected,
			"router":       rt.IsRunning(),
		})
		return nil
	})
}

func statusCmd() {
	configPath := configPathFromArgs(os.Args[2:])

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	fmt.Printf("%s wxbridge Status\n\n", logo)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}

	fmt.Printf("Chat endpoint: %s\n", cfg.Chat.Endpoint)
	if cfg.OneBot.Enabled {
		fmt.Printf("OneBot: enabled (%s)\n", cfg.OneBot.WSUrl)
	} else {
		fmt.Println("OneBot: disabled")
	}
	if cfg.WebUI.Enabled {
		fmt.Printf("Admin API: %s:%d\n", cfg.WebUI.Host, cfg.WebUI.Port)
	} else {
		fmt.Println("Admin API: disabled")
	}

	mappings := cfg.Mappings()
	fmt.Printf("Monitored users: %d\n", len(mappings))
	for _, m := range mappings {
		status := "✓"
		if !m.Enabled {
			status = "disabled"
		}
		fmt.Printf("  %s → %s (%s)\n", m.Nickname, m.Identity(), status)
	}
}

func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config" || args[i] == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	if env := os.Getenv("WXBRIDGE_CONFIG"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wxbridge", "config.json")
}
