// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は訪問者が入力した自由記述をプレーンテキストに正規化する。
// 外部カレンダーのイベント説明はHTMLとして描画されるため、
// bluemondayのStrictPolicyで全てのタグを除去してから書き込む。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength は1項目あたりの最大文字数（rune数）。
const DefaultMaxLength = 2000

// TextSanitizer は自由記述テキストのサニタイザー。
// bluemondayのポリシーはスレッドセーフなため、複数リクエストから共有できる。
type TextSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer はTextSanitizerを生成する。maxLengthが0以下の場合はDefaultMaxLengthを使用する。
func NewTextSanitizer(maxLength int) *TextSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &TextSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// 改行とタブ以外の制御文字を除去し、前後の空白を取り除き、最大文字数で切り詰める。
// 同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Sanitize(input string) string {
	if input == "" {
		return ""
	}

	// StrictPolicyはテキストをHTMLエスケープして返すため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(input))

	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) > s.maxLength {
		text = strings.TrimSpace(string([]rune(text)[:s.maxLength]))
	}
	return text
}
