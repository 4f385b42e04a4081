package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInputUnavailable 录像无法打开或没有任何帧
	ErrInputUnavailable = errors.New("footage unavailable or empty")

	// ErrInitialAlignmentFailed 首帧无法与第一张幻灯片对齐
	ErrInitialAlignmentFailed = errors.New("can't find a robust matching for the first frame")
)

// EncoderError 视频编码阶段的错误
type EncoderError struct {
	Op  string
	Err error
}

func (e *EncoderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("encoder: %s", e.Op)
	}
	return fmt.Sprintf("encoder: %s: %v", e.Op, e.Err)
}

func (e *EncoderError) Unwrap() error {
	return e.Err
}
