package knowledge

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const answerSystemPrompt = `You are an assistant for operating an e-commerce store built on Prestashop.
You help with store configuration, modules and settings, product and order management,
troubleshooting, performance and SEO, and third-party integrations such as payment and shipping.
Answer clearly and concisely with concrete steps, setting paths or example configurations.
Base your answer on the provided context. If the context does not cover the question, say so.`

const answerUserPrompt = `<question>
{question}
</question>

<context>
{context}
</context>

Answer:`

// NewAnswerTemplate 返回知识问答模板，变量为 question 与 context。
func NewAnswerTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(answerSystemPrompt),
		schema.UserMessage(answerUserPrompt),
	)
}
