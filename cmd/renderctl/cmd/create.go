package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediarender/internal/render"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a queued render job",
	Long: `Create a render job without submitting it to the provider.

Example:
  renderctl create --entity creative-1 --kind image --provider stub --model sd-1.5 --prompt "a cat"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := createRequestFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return err
		}

		job, err := newClient().Create(cmd.Context(), req)
		if err != nil {
			return reportError(cmd, "Create", err)
		}

		cmd.Printf("✓ Job created\nJob ID: %s\nStatus: %s\n", job.ID, job.Status)
		return nil
	},
}

func addCreateFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("entity", "", "ID of the entity that receives the asset (required)")
	flags.String("campaign", "", "campaign ID (optional)")
	flags.StringP("kind", "k", "image", "image or video")
	flags.StringP("provider", "p", "stub", "render provider name")
	flags.StringP("model", "m", "", "provider model (required)")
	flags.String("prompt", "", "render prompt")
	flags.StringToString("param", nil, "extra provider params, e.g. --param width=768")
	flags.Int("max-retries", 0, "retry budget override (1-10)")
}

func createRequestFromFlags(cmd *cobra.Command) (render.CreateRequest, error) {
	flags := cmd.Flags()
	entity, _ := flags.GetString("entity")
	campaign, _ := flags.GetString("campaign")
	kind, _ := flags.GetString("kind")
	provider, _ := flags.GetString("provider")
	model, _ := flags.GetString("model")
	prompt, _ := flags.GetString("prompt")
	extra, _ := flags.GetStringToString("param")
	maxRetries, _ := flags.GetInt("max-retries")

	if entity == "" {
		return render.CreateRequest{}, fmt.Errorf("--entity is required")
	}
	if model == "" {
		return render.CreateRequest{}, fmt.Errorf("--model is required")
	}

	params := map[string]any{}
	for k, v := range extra {
		params[k] = v
	}
	if prompt != "" {
		params["prompt"] = prompt
	}

	return render.CreateRequest{
		TenantID:   viper.GetString("tenant"),
		EntityID:   entity,
		CampaignID: campaign,
		Kind:       render.Kind(kind),
		Provider:   provider,
		Model:      model,
		Params:     params,
		MaxRetries: maxRetries,
	}, nil
}

func init() {
	addCreateFlags(createCmd)
	rootCmd.AddCommand(createCmd)
}
