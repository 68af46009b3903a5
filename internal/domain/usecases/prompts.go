package usecases

import (
	"fmt"
	"strings"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

const rewriteSystemPrompt = `You rewrite a student's question into one standalone search query.
Fix obvious spelling and typing mistakes.
If the question refers to something earlier in the conversation ("it", "that", "why?"), replace the reference with the explicit topic from the conversation.
Keep the original intent and subject. Do not answer the question and do not add new topics.
Reply with the rewritten query only, on one line.`

const routeSystemPrompt = "You are a chapter routing assistant. Respond only with JSON."

const answerSystemPrompt = `You are a patient tutor for class %d %s students.
Answer using the numbered course-note excerpts and the conversation so far.
Only cite excerpts you actually used, by their labels (for example "S1").
%s
Respond with ONLY valid JSON:
{"answer": "<short direct answer>", "explanation": "<step-by-step explanation>", "citations": ["S1"], "confidence": <0.0 to 1.0>, "formulas_used": ["<formula>"]}`

const fallbackSystemPrompt = `You are a patient tutor for class %d %s students.
No course notes matched this question. Answer from the conversation and general knowledge, keep it at the student's level, and say when you are unsure.
%s
Respond with ONLY valid JSON:
{"answer": "<short direct answer>", "explanation": "<explanation>", "confidence": <0.0 to 1.0>}`

// languageInstruction maps a request language to an instruction for the model.
func languageInstruction(lang string) string {
	switch lang {
	case "ur":
		return "Respond in Urdu."
	case "ur-roman":
		return "Respond in Roman Urdu (Urdu written in English letters)."
	default:
		return "Respond in English."
	}
}

func formatHistory(history []entities.ChatTurn) string {
	var sb strings.Builder
	for _, t := range history {
		role := "Student"
		if t.Role == entities.RoleAssistant {
			role = "Tutor"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	return sb.String()
}

func historyMessages(history []entities.ChatTurn) []ports.Message {
	msgs := make([]ports.Message, 0, len(history))
	for _, t := range history {
		msgs = append(msgs, ports.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// formatExcerpts renders retrieved chunks with the labels citations refer to.
func formatExcerpts(chunks []entities.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[S%d] [Chapter %d: %s]\n%s",
			i+1, c.Chunk.ChapterNumber, c.Chunk.ChapterTitle, c.Chunk.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func formatChapterIndex(chapters []entities.Chapter) string {
	lines := make([]string, len(chapters))
	for i, ch := range chapters {
		topics := ch.Topics
		if len(topics) > 5 {
			topics = topics[:5]
		}
		lines[i] = fmt.Sprintf("Chapter %d: %s - Topics: %s", ch.Number, ch.Title, strings.Join(topics, ", "))
	}
	return strings.Join(lines, "\n")
}
