package llm

import (
	"context"
	log "log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/memory"
	"github.com/tmc/langchaingo/prompts"
)

var (
	chainMu           sync.Mutex
	mapConvKeyToChain = make(map[string]*chains.LLMChain)
)

// AssistantReply 请求 AI 助手回复。每个会话持有独立的对话链与
// 缓冲记忆，多轮对话的上下文在进程内累积。
func AssistantReply(ctx context.Context, convKey string, question string) (string, error) {
	// prompt 文件缺失或没有模板分隔符时退化为单轮问答
	if !strings.Contains(assistantChatPrompt, "---") {
		resp, err := fetchModel(ctx, assistantChatPrompt, question, 0.7)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) > 0 {
			return resp.Choices[0].Content, nil
		}
		return "", nil
	}

	chain := chainForConversation(convKey)

	inputs := map[string]any{
		"question": question,
	}

	result, err := chains.Call(ctx, chain, inputs)
	if err != nil {
		log.ErrorContext(ctx, "AI大模型请求失败", "err", err)
		return "", err
	}

	text, _ := result[chain.OutputKey].(string)
	return text, nil
}

// ResetAssistantMemory 会话删除时释放对话记忆
func ResetAssistantMemory(convKey string) {
	chainMu.Lock()
	defer chainMu.Unlock()
	delete(mapConvKeyToChain, convKey)
}

func chainForConversation(convKey string) *chains.LLMChain {
	chainMu.Lock()
	defer chainMu.Unlock()

	chain, ok := mapConvKeyToChain[convKey]
	if !ok {
		split := strings.Split(assistantChatPrompt, "---")
		systemPromptTpl := split[0]
		userPromptTpl := split[len(split)-1]

		promptTemplate := prompts.NewChatPromptTemplate([]prompts.MessageFormatter{
			prompts.NewSystemMessagePromptTemplate(
				systemPromptTpl,
				nil,
			),
			prompts.NewHumanMessagePromptTemplate(
				userPromptTpl,
				[]string{"question"},
			),
		})

		mem := memory.NewConversationBuffer()
		chain = chains.NewLLMChain(llmClient, promptTemplate)
		chain.Memory = mem
		mapConvKeyToChain[convKey] = chain
	}
	return chain
}
