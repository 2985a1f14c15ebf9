package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/genex/genex/internal/llm"
)

func pipelineViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	f := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	addPipelineFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := viper.New()
	if err := v.BindPFlags(f); err != nil {
		t.Fatalf("bind flags: %v", err)
	}
	return v
}

func ptr(f float32) *float32 { return &f }

func TestGatewayConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want llm.Config
	}{
		{
			name: "defaults",
			want: llm.Config{
				MaxRetries: llm.DefaultMaxRetries,
				RetryBase:  llm.DefaultRetryBase,
				Timeout:    90 * time.Second,
				Params:     llm.SamplingParams{Temperature: ptr(0.7), TopP: ptr(0.95), TopK: 40, MaxOutputTokens: 8192},
			},
		},
		{
			name: "explicit zero temperature and provider top-p",
			args: []string{"--temperature=0", "--top-p=-1", "--ai-attempt-timeout=30s"},
			want: llm.Config{
				MaxRetries: llm.DefaultMaxRetries,
				RetryBase:  llm.DefaultRetryBase,
				Timeout:    30 * time.Second,
				Params:     llm.SamplingParams{Temperature: ptr(0), TopK: 40, MaxOutputTokens: 8192},
			},
		},
		{
			name: "attempt timeout disabled",
			args: []string{"--ai-attempt-timeout=0"},
			want: llm.Config{
				MaxRetries: llm.DefaultMaxRetries,
				RetryBase:  llm.DefaultRetryBase,
				Params:     llm.SamplingParams{Temperature: ptr(0.7), TopP: ptr(0.95), TopK: 40, MaxOutputTokens: 8192},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gatewayConfig(pipelineViper(t, tt.args...))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("gateway config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
