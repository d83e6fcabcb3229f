package llm

import (
	"Mindweave/internal/api/config"
	"context"
	log "log/slog"
	"os"

	"github.com/tmc/langchaingo/llms"
)

func readPrompt(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		log.Error("读取prompt文件失败", "err", err)
		return ""
	}
	return string(data)
}

func fetchModel(ctx context.Context, systemPrompt string, userPrompt string, temp float64) (*llms.ContentResponse, error) {
	if err := TextSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer TextSem.Release(1)
	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{
				llms.TextPart(systemPrompt),
			},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(userPrompt),
			},
		},
	}
	log.Info("正在请求AI大模型")
	return llmClient.GenerateContent(ctx, messages,
		llms.WithModel(config.Cfg.LLM.TextModel),
		llms.WithTemperature(temp),
	)
}
