package service

import (
	"strings"

	"gpu-fusion/app/model"

	"golang.org/x/text/unicode/norm"
)

// SplitFunc 把一个请求拆成远程与本地两个子请求，顺序即拼接顺序
type SplitFunc func(req model.GenerationRequest) (first, second model.GenerationRequest)

// SuffixSplit 固定五五拆分：在提示词后追加 [part 1] / [part 2]，
// 模型、图片、音频和参数原样传给两侧
func SuffixSplit(req model.GenerationRequest) (model.GenerationRequest, model.GenerationRequest) {
	prompt := strings.TrimSpace(norm.NFC.String(req.Prompt))
	return req.WithPrompt(prompt + " [part 1]"), req.WithPrompt(prompt + " [part 2]")
}
