package imaging

import "fmt"

// エラーコード一覧。HTTPハンドラーがステータスコードへ変換します。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupportedImage = "UNSUPPORTED_IMAGE"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeBatchNotFound    = "BATCH_NOT_FOUND"
	CodeJobBusy          = "JOB_BUSY"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeQueueFull        = "QUEUE_FULL"
	CodeTransformFailed  = "TRANSFORM_FAILED"
	CodeResultNotReady   = "RESULT_NOT_READY"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error はAPIに返す分類済みエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error は error インターフェースを満たします。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は元になったエラーを返します。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は分類済みエラーを作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func newError(code, message string, err error) *Error {
	return NewError(code, message, err)
}
