package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "renderctl",
	Short: "renderctl drives render jobs on a mediarender API",
	Long: `renderctl is the command-line interface for the mediarender job orchestrator.

Common workflows:

  Create and submit an image render:
    renderctl submit --entity creative-1 --kind image --provider stable-diffusion \
      --model sd-1.5 --prompt "a lighthouse at dusk"

  Check a job:
    renderctl status <job-id>

  Ask the provider for progress now:
    renderctl poll <job-id>

  Cancel:
    renderctl cancel <job-id>

Configuration:
  MEDIARENDER_URL      API endpoint (default: http://localhost:8080)
  MEDIARENDER_TENANT   Tenant sent as X-Tenant-ID`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".renderctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MEDIARENDER")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.renderctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "mediarender API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("tenant", "", "tenant ID sent as X-Tenant-ID")
	viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func newClient() *JobClient {
	return NewJobClient(viper.GetString("url"), viper.GetString("tenant"))
}

// reportError prints API failures with their error code when the server
// sent one.
func reportError(cmd *cobra.Command, action string, err error) error {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d %s): %s\n", action, apiErr.StatusCode, apiErr.Code, apiErr.Message)
	} else {
		cmd.Printf("%s failed: %v\n", action, err)
	}
	return err
}
