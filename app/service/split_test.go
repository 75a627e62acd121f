package service

import (
	"testing"

	"gpu-fusion/app/model"

	"github.com/stretchr/testify/require"
)

func TestSuffixSplit(t *testing.T) {
	req := model.GenerationRequest{
		ModelType:  "TI2V",
		Prompt:     "  a café at dusk ",
		ImagePath:  "/in/cafe.png",
		Parameters: map[string]any{"steps": 30},
		UseDualGPU: true,
	}

	first, second := SuffixSplit(req)
	require.Equal(t, "a café at dusk [part 1]", first.Prompt)
	require.Equal(t, "a café at dusk [part 2]", second.Prompt)

	for _, half := range []model.GenerationRequest{first, second} {
		require.Equal(t, req.ModelType, half.ModelType)
		require.Equal(t, req.ImagePath, half.ImagePath)
		require.Equal(t, req.Parameters, half.Parameters)
	}

	// 子请求的参数互不影响，原请求保持不变
	first.Parameters["steps"] = 10
	require.Equal(t, 30, second.Parameters["steps"])
	require.Equal(t, 30, req.Parameters["steps"])
	require.Equal(t, "  a café at dusk ", req.Prompt)
}
