// forgemud is the driver binary: it boots the world from a mudlib tree
// and serves players over TCP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgemud/internal/config"
	"forgemud/internal/driver"
	"forgemud/internal/logging"
	"forgemud/internal/login"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "forgemud",
		Short: "A multi-user text world driver",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Boot the world and accept connections",
		RunE:  runServe,
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Compile every content unit without starting the world",
		RunE:  runCheck,
	}

	hash := &cobra.Command{
		Use:   "hash <password>",
		Short: "Print a credential hash for manual account repair",
		Args:  cobra.ExactArgs(1),
		RunE:  runHash,
	}

	root.AddCommand(serve, check, hash)

	if err := root.Execute(); err != nil {
		if errors.Is(err, driver.ErrMasterFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := driver.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		zap.String("name", cfg.Name), zap.String("version", cfg.Version),
		zap.String("mudlib", cfg.MudlibPath), zap.String("listen", cfg.ListenAddr))
	if err := d.Run(ctx); err != nil {
		log.Error("driver exited", zap.Error(err))
		return err
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := driver.New(cfg, log)
	if err != nil {
		return err
	}
	failed, err := d.CheckTree()
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		for _, path := range failed {
			fmt.Fprintf(os.Stderr, "FAIL %s\n", path)
		}
		return fmt.Errorf("%d unit(s) do not compile", len(failed))
	}
	fmt.Println("all units compile")
	return nil
}

func runHash(cmd *cobra.Command, args []string) error {
	hash, salt, err := login.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("hash: %x\nsalt: %x\n", hash, salt)
	return nil
}
