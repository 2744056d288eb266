package gpuprobe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNvidiaSMISamplerReturnsEmptyWhenBinaryMissing(t *testing.T) {
	s := &NvidiaSMISampler{Binary: "nvidia-smi-does-not-exist-anywhere"}
	statuses := s.Sample(context.Background())
	require.Empty(t, statuses)
}

func TestNoopSamplerAlwaysEmpty(t *testing.T) {
	s := NoopSampler{}
	require.Empty(t, s.Sample(context.Background()))
}
