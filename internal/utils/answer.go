package utils

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

const answerKey = `"answer"`

// ExtractAnswer 从累积的（可能尚不完整的）JSON 文本中取出 "answer" 字段的字符串值。
// 值未闭合时返回目前已解码的部分；键不存在或值还没开始时 ok 为 false。
// 末尾不完整的转义序列会被暂时丢弃，等下一段文本到达后再解码。
func ExtractAnswer(raw string) (string, bool) {
	i, ok := answerValue(raw)
	if !ok {
		return "", false
	}

	var b strings.Builder
	for i < len(raw) {
		c := raw[i]
		if c == '"' {
			return b.String(), true
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}

		if i+1 >= len(raw) {
			return b.String(), true
		}
		switch e := raw[i+1]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			r, width, complete := decodeUnicodeEscape(raw[i:])
			if !complete {
				return b.String(), true
			}
			b.WriteRune(r)
			i += width
			continue
		default:
			// \" \\ \/ 以及未知转义都按字面字符处理
			b.WriteByte(e)
		}
		i += 2
	}

	return b.String(), true
}

// answerValue 找到第一个作为键出现的 "answer"，返回其字符串值第一个字符的位置。
// 同样文本作为字符串值出现时（如 "type":"answer"）后面没有冒号，跳过继续找。
func answerValue(raw string) (int, bool) {
	for from := 0; ; {
		idx := strings.Index(raw[from:], answerKey)
		if idx < 0 {
			return 0, false
		}
		i := skipSpace(raw, from+idx+len(answerKey))
		if i >= len(raw) {
			return 0, false
		}
		if raw[i] != ':' {
			from += idx + len(answerKey)
			continue
		}
		i = skipSpace(raw, i+1)
		if i >= len(raw) || raw[i] != '"' {
			return 0, false
		}
		return i + 1, true
	}
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// decodeUnicodeEscape 解码以 \u 开头的转义（含 UTF-16 代理对），
// complete 为 false 表示输入被截断
func decodeUnicodeEscape(s string) (r rune, width int, complete bool) {
	if len(s) < 6 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		return unicode.ReplacementChar, 6, true
	}
	r = rune(v)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}

	if len(s) < 12 {
		if strings.HasPrefix(`\u`, s[6:]) || strings.HasPrefix(s[6:], `\u`) {
			return 0, 0, false
		}
		return unicode.ReplacementChar, 6, true
	}
	if s[6:8] != `\u` {
		return unicode.ReplacementChar, 6, true
	}
	v2, err := strconv.ParseUint(s[8:12], 16, 32)
	if err != nil {
		return unicode.ReplacementChar, 6, true
	}
	return utf16.DecodeRune(r, rune(v2)), 12, true
}
