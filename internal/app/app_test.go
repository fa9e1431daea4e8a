package app

import (
	"reflect"
	"testing"

	"mediarender/internal/config"
	"mediarender/internal/pkg/logger"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    []string
		wantErr bool
	}{
		{
			name: "stub only",
			cfg:  config.Config{Render: config.RenderConfig{Providers: []string{"stub"}}},
			want: []string{"stub"},
		},
		{
			name: "aliases resolve to canonical names",
			cfg: config.Config{
				Render:    config.RenderConfig{Providers: []string{"replicate", "runway"}},
				Replicate: config.ReplicateConfig{APIToken: "r8_x"},
				Runway:    config.RunwayConfig{APIKey: "key"},
			},
			want: []string{"runway-ml", "stable-diffusion"},
		},
		{
			name:    "missing credentials",
			cfg:     config.Config{Render: config.RenderConfig{Providers: []string{"stable-diffusion"}}},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     config.Config{Render: config.RenderConfig{Providers: []string{"dall-e"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.cfg, logger.Discard())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := reg.Names(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
