package qa

import (
	"fmt"
	"strings"
)

const promptCitationLimit = 500

// Turn 是上一轮问答，用于保持对话连贯。
type Turn struct {
	Question string `json:"previousQuestion"`
	Answer   string `json:"previousAnswer"`
}

func (t *Turn) empty() bool {
	return t == nil || (strings.TrimSpace(t.Question) == "" && strings.TrimSpace(t.Answer) == "")
}

// BuildPrompt 组装发送给模型的提示词：历史对话、回答要求、参考资料与问题。
func BuildPrompt(question string, citations []Citation, previous *Turn) string {
	var b strings.Builder

	if !previous.empty() {
		b.WriteString("【历史对话】\n")
		if q := strings.TrimSpace(previous.Question); q != "" {
			b.WriteString("学生上一问：" + q + "\n")
		}
		if a := strings.TrimSpace(previous.Answer); a != "" {
			b.WriteString("你的上一答：" + a + "\n")
		}
		b.WriteString("请参考以上上下文，保持回答连贯。\n\n")
	}

	b.WriteString("你是一位经验丰富的教育专家，擅长讲解教材和学习指南。\n")
	b.WriteString("请帮助学生深入理解问题，而不仅仅是给出简短答案。\n\n")

	b.WriteString("【回答要求】\n")
	b.WriteString("- 目标长度：500-1500字，详细但不啰嗦\n")
	b.WriteString("- 使用Markdown格式，关键概念用**粗体**\n")
	b.WriteString("- 如果资料不足，说明依据有限\n\n")

	b.WriteString("【答案结构（按顺序）】\n")
	b.WriteString("1. **直接回答**（50-100字）：开门见山给出核心答案\n")
	b.WriteString("2. **详细解释**（200-500字）：分点说明，使用类比帮助理解\n")
	b.WriteString("3. **实际应用**（100-200字）：举2个贴近生活或课程的案例\n")
	b.WriteString("4. **关键要点总结**（50-100字）：用✓列出3-5条重要结论\n\n")

	if len(citations) == 0 {
		b.WriteString("【参考资料】\n无可用资料，请基于常识回答，但避免编造。\n\n")
	} else {
		b.WriteString("【参考资料】\n")
		for i, citation := range citations {
			fmt.Fprintf(&b, "[参考%d] %s\n", i+1, truncateRunes(citation.Content, promptCitationLimit))
		}
		b.WriteString("\n")
	}

	b.WriteString("【问题】" + question + "\n\n")
	b.WriteString("请严格按照上述结构回答：\n")
	return b.String()
}
