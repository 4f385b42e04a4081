package service

import (
	"fmt"

	"gocv.io/x/gocv"
)

// FrameSink 流式视频输出
//
// Write 推入一帧，Repeat 重复编码上一帧，Close 写尾部并释放资源。
type FrameSink interface {
	Write(frame gocv.Mat) error
	Repeat(n int) error
	Close() error
}

// VideoEncoder 基于 gocv.VideoWriter 的 FrameSink 实现
//
// 码率、GOP 和像素格式由 OpenCV 的编码后端决定，
// 时间基为 1/fps。
type VideoEncoder struct {
	writer *gocv.VideoWriter

	width  int
	height int

	last    gocv.Mat
	hasLast bool
}

// NewVideoEncoder 打开输出视频文件
func NewVideoEncoder(path, codec string, width, height int, fps float64) (*VideoEncoder, error) {
	writer, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, &EncoderError{Op: "open " + path, Err: err}
	}

	if !writer.IsOpened() {
		writer.Close()
		return nil, &EncoderError{Op: fmt.Sprintf("open %s with codec %s", path, codec)}
	}

	return &VideoEncoder{
		writer: writer,
		width:  width,
		height: height,
	}, nil
}

func (e *VideoEncoder) Write(frame gocv.Mat) error {
	if frame.Cols() != e.width || frame.Rows() != e.height || frame.Type() != gocv.MatTypeCV8UC3 {
		return &EncoderError{Op: fmt.Sprintf("write: frame must be %dx%d 8-bit 3-channel", e.width, e.height)}
	}

	if err := e.writer.Write(frame); err != nil {
		return &EncoderError{Op: "write", Err: err}
	}

	if e.hasLast {
		e.last.Close()
	}

	e.last = frame.Clone()
	e.hasLast = true

	return nil
}

func (e *VideoEncoder) Repeat(n int) error {
	if n <= 0 {
		return nil
	}

	if !e.hasLast {
		return &EncoderError{Op: "repeat without a previous frame"}
	}

	for i := 0; i < n; i++ {
		if err := e.writer.Write(e.last); err != nil {
			return &EncoderError{Op: "repeat", Err: err}
		}
	}

	return nil
}

func (e *VideoEncoder) Close() error {
	if e.hasLast {
		e.last.Close()
		e.hasLast = false
	}

	if err := e.writer.Close(); err != nil {
		return &EncoderError{Op: "close", Err: err}
	}

	return nil
}
