package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nudge/internal/app"
	"nudge/internal/config"
	"nudge/internal/push"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keys" {
		if err := printKeys(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := app.NewServer(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
	if err := srv.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// printKeys writes a fresh VAPID pair in dotenv form.
func printKeys() error {
	pub, priv, err := push.GenerateKeys()
	if err != nil {
		return err
	}
	fmt.Printf("NUDGE_VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("NUDGE_VAPID_PRIVATE_KEY=%s\n", priv)
	return nil
}
