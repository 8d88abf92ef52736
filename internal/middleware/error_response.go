package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// UIはsuccessで成否を判定し、errorをそのまま表示する。
type ErrorResponseBody struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Code        string `json:"code"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	body.Success = false
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteError はコードとメッセージからエラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteErrorResponse(w, statusCode, ErrorResponseBody{Code: code, Error: message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"Something went wrong. Please try again later.")
}
