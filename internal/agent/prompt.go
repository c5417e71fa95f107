package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/jverneuer/deepresearch/internal/knowledge"
	"github.com/jverneuer/deepresearch/internal/llm"
	"github.com/jverneuer/deepresearch/internal/schema"
	"github.com/jverneuer/deepresearch/internal/urlrank"
)

// maxPromptURLs bounds how many ranked URLs are surfaced in the prompt.
const maxPromptURLs = 20

// buildSystemPrompt assembles the per-step system prompt: header, diary
// context, one block per permitted action, and the closing instruction. In
// beast mode every tool block is replaced by the forced-answer directive.
func buildSystemPrompt(s *sessionState, perm schema.Permissions, urls []*urlrank.Record, beastMode bool) string {
	var sections []string

	sections = append(sections, fmt.Sprintf(
		"Current date: %s\n\nYou are an advanced research agent specialized in multistep reasoning. "+
			"Using your best knowledge, the conversation with the user and lessons learned, "+
			"answer the user question with absolute certainty.",
		time.Now().UTC().Format(time.RFC1123)))

	if entries := s.diary.Entries(); len(entries) > 0 {
		sections = append(sections, fmt.Sprintf(
			"You have conducted the following actions:\n<context>\n%s\n</context>",
			strings.Join(entries, "\n")))
	}

	if beastMode {
		sections = append(sections, beastModeSection)
		sections = append(sections, "Respond by matching the answer schema.")
		return strings.Join(sections, "\n\n")
	}

	var blocks []string
	if perm.Read {
		blocks = append(blocks, visitBlock(urls))
	}
	if perm.Search {
		blocks = append(blocks, searchBlock(s.failedQueries))
	}
	if perm.Answer {
		blocks = append(blocks, answerBlock)
	}
	if perm.Reflect {
		blocks = append(blocks, reflectBlock)
	}
	if perm.Code {
		blocks = append(blocks, codeBlock)
	}

	sections = append(sections, fmt.Sprintf(
		"Based on the current context, you must choose one of the following actions:\n<actions>\n%s\n</actions>",
		strings.Join(blocks, "\n\n")))
	sections = append(sections,
		"Think step by step, choose the action, then respond by matching the schema of that action.")
	return strings.Join(sections, "\n\n")
}

func visitBlock(urls []*urlrank.Record) string {
	var b strings.Builder
	b.WriteString("<action-visit>\n")
	b.WriteString("- Crawl and read full content from URLs to gather grounded knowledge.\n")
	b.WriteString("- Check any URL mentioned in the question first.")
	if len(urls) > 0 {
		b.WriteString("\n- Choose relevant URLs below; higher listed means more promising:\n<url-list>\n")
		for i, rec := range urls {
			if i >= maxPromptURLs {
				break
			}
			title := rec.Title
			if title == "" {
				title = rec.Snippet
			}
			fmt.Fprintf(&b, "  + %s: %s\n", rec.URL, firstLine(title))
		}
		b.WriteString("</url-list>")
	}
	b.WriteString("\n</action-visit>")
	return b.String()
}

func searchBlock(failedQueries []string) string {
	var b strings.Builder
	b.WriteString("<action-search>\n")
	b.WriteString("- Use web search to find relevant information.\n")
	b.WriteString("- Build queries from the deep intention behind the question and the expected answer format.\n")
	b.WriteString("- Prefer a single query; add another only when the question covers multiple distinct aspects.")
	if len(failedQueries) > 0 {
		fmt.Fprintf(&b, "\n- Avoid these unsuccessful queries:\n<bad-requests>\n%s\n</bad-requests>",
			strings.Join(failedQueries, "\n"))
	}
	b.WriteString("\n</action-search>")
	return b.String()
}

const answerBlock = `<action-answer>
- For greetings, casual conversation and general knowledge questions, answer directly without references.
- For every other question, provide a verified answer; each reference must include the url and the exact quote supporting the claim.
- If uncertain, use action-reflect instead.
</action-answer>`

const reflectBlock = `<action-reflect>
- Think slowly. Compare the question against the gathered context to identify knowledge gaps.
- Plan a short list of clarifying sub-questions that are deeply related to the original question and lead toward the answer.
</action-reflect>`

const codeBlock = `<action-code>
- Use this for counting, filtering, transforming, sorting, regex extraction and other data processing over the gathered knowledge.
- Describe the computation in the codingIssue field with concrete input values for small inputs, or names of knowledge items for larger ones.
</action-code>`

const beastModeSection = `<action-answer>
All tool actions are exhausted. You MUST answer now, from the knowledge and context above.
- Any well-grounded response surpasses silence; partial answers are acceptable when clearly scoped.
- Reuse everything gathered in this session; do not request further searches or visits.
- Provide references where the gathered knowledge supports them.
</action-answer>`

// composeMessages converts the knowledge log into a user/assistant exchange
// followed by the current question, so the model sees gathered facts as
// prior conversation.
func composeMessages(base []llm.Message, items []knowledge.Item, question string, pips []string) []llm.Message {
	var out []llm.Message
	for _, item := range items {
		out = append(out, llm.Message{Role: "user", Content: strings.TrimSpace(item.Question)})
		var meta strings.Builder
		if item.Updated != "" && (item.Type == knowledge.TypeURL || item.Type == knowledge.TypeSideInfo) {
			fmt.Fprintf(&meta, "<answer-datetime>\n%s\n</answer-datetime>\n\n", item.Updated)
		}
		if item.Reference != "" && item.Type == knowledge.TypeURL {
			fmt.Fprintf(&meta, "<url>\n%s\n</url>\n\n", item.Reference)
		}
		meta.WriteString(item.Answer)
		out = append(out, llm.Message{Role: "assistant", Content: strings.TrimSpace(meta.String())})
	}
	out = append(out, base...)

	var user strings.Builder
	user.WriteString(strings.TrimSpace(question))
	if len(pips) > 0 {
		user.WriteString("\n\n<answer-requirements>\n")
		user.WriteString("- Follow reviewer feedback and improve the answer.\n")
		for i, pip := range pips {
			fmt.Fprintf(&user, "<reviewer-%d>\n%s\n</reviewer-%d>\n", i+1, pip, i+1)
		}
		user.WriteString("</answer-requirements>")
	}
	out = append(out, llm.Message{Role: "user", Content: user.String()})
	return out
}
