package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/slotbook/internal/middleware"
	"github.com/hitoshi/slotbook/internal/model"
)

// duplicateBookingMessage は重複予約時にUIへそのまま表示されるメッセージ。
const duplicateBookingMessage = "You already have a booking at this time."

// handleServiceError はドメインエラーをHTTPステータスと統一エラーレスポンスに変換する。
// プロバイダーやストアの生のエラーメッセージはレスポンスに含めない。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation  *model.ValidationError
		invalidDate *model.InvalidDateError
		dup         *model.DuplicateBookingError
		unavailable *model.SlotUnavailableError
		conflict    *model.IdempotencyConflictError
		partial     *model.PartialCommitError
		upstream    *model.UpstreamUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		middleware.WriteError(w, http.StatusBadRequest, model.ErrCodeValidation, validation.Error())
	case errors.As(err, &invalidDate):
		middleware.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidDate, invalidDate.Error())
	case errors.As(err, &dup):
		middleware.WriteErrorResponse(w, http.StatusConflict, middleware.ErrorResponseBody{
			Code:        model.ErrCodeDuplicateBooking,
			Error:       duplicateBookingMessage,
			IsDuplicate: true,
		})
	case errors.As(err, &unavailable):
		middleware.WriteError(w, http.StatusConflict, model.ErrCodeSlotUnavailable,
			"This time slot is no longer available. Please choose another time.")
	case errors.As(err, &conflict):
		middleware.WriteError(w, http.StatusConflict, model.ErrCodeIdempotencyConflict,
			"A request with the same Idempotency-Key is still being processed.")
	// PartialCommitErrorは失敗側のエラーをラップしているため、Upstreamより先に判定する
	case errors.As(err, &partial):
		logger.Error("booking partially committed", slog.String("booking_id", partial.BookingID), slog.String("error", err.Error()))
		middleware.WriteError(w, http.StatusInternalServerError, model.ErrCodePartialCommit,
			"Your booking could not be completed. Please contact us to confirm your appointment.")
	case errors.As(err, &upstream):
		logger.Warn("calendar provider unavailable", slog.String("op", upstream.Op), slog.String("error", err.Error()))
		middleware.WriteError(w, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable,
			"The calendar is temporarily unavailable. Please try again shortly.")
	default:
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
