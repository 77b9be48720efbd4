package protocol

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// ErrorReply 失败应答
type ErrorReply struct {
	Error string `json:"error"`
}

// RemoteError 对端返回的错误
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Is 让对端的无效请求应答可以用 errors.Is 判断
func (e *RemoteError) Is(target error) bool {
	return target == ErrInvalidRequest && e.Msg == ErrInvalidRequest.Error()
}

// Fail 构造失败应答
func Fail(err error) ErrorReply {
	if errors.Is(err, ErrInvalidRequest) {
		return ErrorReply{Error: ErrInvalidRequest.Error()}
	}
	return ErrorReply{Error: err.Error()}
}

// Null 表示记录不存在的应答
var Null = json.RawMessage("null")

// ReplyError 若应答为失败对象则返回对应错误
func ReplyError(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return nil
	}
	e := r.Get("error")
	if e.Type != gjson.String {
		return nil
	}
	return &RemoteError{Msg: e.Str}
}

// Unmarshal 解码应答，null 应答返回 found=false
func Unmarshal(raw json.RawMessage, v any) (bool, error) {
	if err := ReplyError(raw); err != nil {
		return false, err
	}
	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}
