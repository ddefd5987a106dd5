package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPStatus 錯誤碼對應的 HTTP 狀態碼
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyExists:
		return http.StatusConflict
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON 以 {error, code, details} 寫出錯誤，狀態碼由錯誤碼決定
//
// 非 AppError 一律視為內部錯誤，原始訊息不外洩。
func WriteJSON(w http.ResponseWriter, err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Wrap(err, ErrCodeInternal, "internal server error")
	}

	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.Details != "" {
		body["details"] = appErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(appErr.Code))
	return json.NewEncoder(w).Encode(body)
}
