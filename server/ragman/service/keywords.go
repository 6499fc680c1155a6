package service

import (
	"regexp"
	"strings"
	"unicode"
)

var keywordPunct = regexp.MustCompile(`[，。！？、；：“”‘’（）【】《》\s,.!?;:'"()\[\]<>]+`)

var keywordStopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"的", "是", "在", "了", "和", "与", "或", "这", "那", "有", "没有",
		"什么", "怎么", "如何", "为什么", "可以", "能够", "应该", "吗", "呢",
		"啊", "哦", "嗯", "呀", "吧", "么", "哪", "谁", "哪里", "这个", "那个",
		"一个", "一些", "这些", "那些", "我", "你", "他", "她", "它", "我们", "你们", "他们",
		"the", "an", "and", "or", "of", "to", "in", "on", "at", "is", "are", "was", "were",
		"be", "it", "this", "that", "for", "with", "as", "by", "what", "how", "why", "do", "does",
	} {
		keywordStopwords[w] = struct{}{}
	}
}

// ExtractKeywords returns the distinct lowercase salient terms of text in
// first-seen order. Runs of ideographic script longer than four characters are
// cut into three-character windows advancing by two.
func ExtractKeywords(text string) []string {
	cleaned := keywordPunct.ReplaceAllString(strings.ToLower(text), " ")

	var words []string
	for _, part := range strings.Fields(cleaned) {
		runes := []rune(part)
		switch {
		case hasDenseScript(runes):
			if len(runes) <= 4 {
				words = append(words, part)
				continue
			}
			for i := 0; i < len(runes)-1; i += 2 {
				end := min(i+3, len(runes))
				if end-i >= 2 {
					words = append(words, string(runes[i:end]))
				}
			}
		case len(runes) > 1:
			words = append(words, part)
		}
	}

	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := keywordStopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// KeywordRelevance is the fraction of keywords contained in content, case-insensitive.
func KeywordRelevance(content string, keywords []string) float64 {
	if content == "" || len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func hasDenseScript(runes []rune) bool {
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
			return true
		}
	}
	return false
}
