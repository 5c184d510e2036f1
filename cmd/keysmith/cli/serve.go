package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/keysmith/internal/connector"
	"github.com/faucetdb/keysmith/internal/server"
	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/telemetry"
)

const banner = `
 _  _______   _____ __  __ ___ _____ _  _
| |/ / __\ \ / / __|  \/  |_ _|_   _| || |
| ' <| _| \ V /\__ \ |\/| || |  | | | __ |
|_|\_\___| |_| |___/_|  |_|___| |_| |_||_|
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keysmith API server",
		Long:  "Start the HTTP server that issues, validates and revokes API keys.",
		Example: `  keysmith serve
  keysmith serve --port 8080 --no-ui
  KEYSMITH_AUTH_JWT_SECRET=... keysmith serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 3000, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().Bool("no-ui", false, "Disable the web UI")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noUI, _ := cmd.Flags().GetBool("no-ui"); noUI {
		cfg.Server.EnableUI = false
	}
	if dev {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	logger, err := cfg.Log.NewLogger(os.Stderr, dev)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Print(banner)
	fmt.Println()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.Store.DSN != "" {
		logger.Info("key store ready", "driver", st.Driver(), "dsn", connector.RedactDSN(cfg.Store.DSN))
	} else {
		logger.Info("key store ready", "driver", st.Driver(), "path", resolveDataDir(cfg))
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled && telemetry.Enabled() {
		metrics = telemetry.New(versionString())
	}

	keys := service.NewKeyService(st, service.KeyServiceConfig{
		MaxIssueAttempts: cfg.Keys.MaxIssueAttempts,
		Logger:           logger,
		Metrics:          metrics,
	})

	authSvc := newAuthService(cfg)
	if !authSvc.Enabled() {
		logger.Warn("auth.jwt_secret is not set: issuing, revoking and listing keys needs no token")
	}

	maxBody, err := cfg.Server.MaxBodyBytes()
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		EnableUI:        cfg.Server.EnableUI,
		MaxBodySize:     maxBody,
		BaseURL:         cfg.Server.BaseURL,
		Version:         versionString(),
	}
	srv := server.New(srvCfg, keys, st, authSvc, metrics, logger)

	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Keysmith %s\n", versionString())
	fmt.Printf("→ Listening on %s\n", base)
	if cfg.Server.EnableUI {
		fmt.Printf("→ UI:         %s/\n", base)
	}
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	if metrics != nil {
		fmt.Printf("→ Metrics:    %s/metrics\n", base)
	}
	fmt.Println()

	return srv.ListenAndServe(ctx)
}
