package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/apppool/internal/config"
	"github.com/andrei-cloud/apppool/internal/logging"
	"github.com/andrei-cloud/apppool/internal/pool"
	"github.com/andrei-cloud/apppool/internal/server"
	"github.com/andrei-cloud/apppool/internal/spawn"
)

var (
	addr  string
	debug bool
	human bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pool daemon",
	Long:  `Start the application pool daemon: maintains worker instances per application root and serves request sessions over TCP.`,
	Run: func(_ *cobra.Command, _ []string) {
		cfg := config.Get()
		logging.InitLogger(debug || cfg.Log.Level == "debug", human || cfg.Log.Format == "human")

		if addr == "" {
			addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		}

		spawner := spawn.NewProcessSpawner(cfg.Spawn.Command, cfg.Spawn.SocketDir)

		pl, err := pool.New(spawner, pool.Config{
			Max:            cfg.Pool.Max,
			MaxPerApp:      cfg.Pool.MaxPerApp,
			UseGlobalQueue: cfg.Pool.UseGlobalQueue,
			MaxIdleTime:    cfg.Pool.MaxIdleTime,
			CleanInterval:  cfg.Pool.CleanInterval,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize pool")
		}

		srv, err := server.NewServer(addr, pl, pool.Options{MaxRequests: cfg.Pool.MaxRequests})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize server")
		}

		// Ensure the stop channel is closed only once.
		var stopOnce sync.Once
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stopChan
			log.Info().Msgf("signal %v received, shutting down server", sig)

			stopOnce.Do(func() {
				if err := srv.Stop(); err != nil {
					log.Error().Err(err).Msg("failed to stop server")
				}
				close(stopChan)
			})
		}()

		// Start the server.
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}

		// Block the main goroutine to keep the daemon running until a termination signal is received.
		<-stopChan

		log.Info().Msg("server stopped gracefully")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (host:port)")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&human, "human", false, "Enable human-readable logs")
}
