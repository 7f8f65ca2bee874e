package embedder

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+|[^\s\p{L}\p{N}]`)

// specialTokens [CLS] 与 [SEP]
const specialTokens = 2

// CountTokens 估算 word-piece 模型的 token 数：
// 每个词、数字串和标点各计 1 个，长词按 12 个字符一段额外计数，再加上首尾特殊 token
func CountTokens(text string) int {
	n := specialTokens
	for _, tok := range tokenPattern.FindAllString(text, -1) {
		n += 1 + (len([]rune(tok))-1)/12
	}
	return n
}

// words 小写分词，仅保留字母数字
func words(text string) []string {
	var out []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		r := []rune(tok)[0]
		if isWordRune(r) {
			out = append(out, tok)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127
}
