package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/ffmpeg-egress/pkg/api"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/rpc"
	tlsutil "github.com/psantana5/ffmpeg-egress/pkg/tls"
)

var (
	serverURL    string
	grpcAddr     string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
	timeout      time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "egressctl",
	Short:         "CLI for the egress service",
	Long:          `egressctl starts, inspects, updates and stops egress jobs on a running egress server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.egressctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "egress server URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", "", "call the gRPC listener at this address instead of HTTP")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate used to verify the server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".egressctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "EGRESS_API_KEY")
	viper.BindEnv("server_url", "EGRESS_URL")
	viper.BindEnv("grpc_addr", "EGRESS_GRPC_ADDR")
	viper.BindEnv("ca_file", "EGRESS_CA_FILE")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	apiKey = viper.GetString("api_key")
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if grpcAddr == "" {
		grpcAddr = viper.GetString("grpc_addr")
	}
	if caFile == "" {
		caFile = viper.GetString("ca_file")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// egressClient is implemented by both the HTTP and the gRPC client
type egressClient interface {
	StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error)
	StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error)
	StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error)
	UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error)
	UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error)
	ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error)
	StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error)
	Close() error
}

var (
	_ egressClient = (*api.Client)(nil)
	_ egressClient = (*rpc.Client)(nil)
)

// newClient returns a gRPC client when --grpc is set, else an HTTP client.
// A CA file turns on TLS for gRPC; HTTP follows the URL scheme.
func newClient() (egressClient, error) {
	var tlsCfg *tls.Config
	if caFile != "" {
		var err error
		if tlsCfg, err = tlsutil.LoadClientTLSConfig("", "", caFile); err != nil {
			return nil, fmt.Errorf("failed to load CA: %w", err)
		}
	}
	if grpcAddr != "" {
		return rpc.Dial(grpcAddr, rpc.ClientOptions{APIKey: apiKey, TLS: tlsCfg})
	}
	return api.NewClient(serverURL, api.ClientOptions{APIKey: apiKey, TLS: tlsCfg, Timeout: timeout}), nil
}

// withClient runs fn with a fresh client and a request deadline
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c egressClient) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, client)
}
