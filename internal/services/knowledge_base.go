package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxFAQContextRunes = 20000

// FAQEntry FAQ 条目，分类条目可带子问题
type FAQEntry struct {
	Question string     `json:"question" yaml:"question"`
	Answer   string     `json:"answer" yaml:"answer"`
	SubFAQs  []FAQEntry `json:"sub_faqs,omitempty" yaml:"sub_faqs,omitempty"`
}

type faqDocument struct {
	ChatbotFAQ []FAQEntry `json:"chatbot_faq" yaml:"chatbot_faq"`
}

// KnowledgeBase 静态 FAQ 知识库
type KnowledgeBase struct {
	path    string
	entries []FAQEntry
	context string
}

// ErrFAQNotFound 所有候选路径都不可读
var ErrFAQNotFound = errors.New("FAQ context file missing or not readable")

// LoadKnowledgeBase 依次尝试候选路径，返回第一个可解析的文件
func LoadKnowledgeBase(paths []string) (*KnowledgeBase, error) {
	var lastErr error = ErrFAQNotFound
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		entries, err := ParseFAQ(data, filepath.Ext(p))
		if err != nil {
			lastErr = fmt.Errorf("parse %s: %w", p, err)
			continue
		}
		return NewKnowledgeBase(p, entries), nil
	}
	return nil, lastErr
}

// NewKnowledgeBase 由已解析的条目构建知识库
func NewKnowledgeBase(path string, entries []FAQEntry) *KnowledgeBase {
	return &KnowledgeBase{path: path, entries: entries, context: buildFAQContext(entries)}
}

// ParseFAQ 解析 json 或 yaml 格式的 FAQ
func ParseFAQ(data []byte, ext string) ([]FAQEntry, error) {
	var doc faqDocument
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	if doc.ChatbotFAQ == nil {
		return nil, errors.New("missing chatbot_faq list")
	}
	return doc.ChatbotFAQ, nil
}

func buildFAQContext(entries []FAQEntry) string {
	var blocks []string
	add := func(e FAQEntry) {
		q, a := strings.TrimSpace(e.Question), strings.TrimSpace(e.Answer)
		if q != "" && a != "" {
			blocks = append(blocks, "Q: "+q+"\nA: "+a)
		}
	}
	for _, category := range entries {
		add(category)
		for _, sub := range category.SubFAQs {
			add(sub)
		}
	}
	return truncateRunes(strings.Join(blocks, "\n\n"), maxFAQContextRunes)
}

// Context 拼接后的 FAQ 上下文，可能为空
func (kb *KnowledgeBase) Context() string {
	if kb == nil {
		return ""
	}
	return kb.context
}

// Path 实际加载的文件
func (kb *KnowledgeBase) Path() string {
	if kb == nil {
		return ""
	}
	return kb.path
}

// Size 问答条目数（含子问题）
func (kb *KnowledgeBase) Size() int {
	if kb == nil {
		return 0
	}
	n := 0
	for _, e := range kb.entries {
		n += 1 + len(e.SubFAQs)
	}
	return n
}
