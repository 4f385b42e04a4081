package service

import (
	"fmt"

	"gocv.io/x/gocv"
)

// FrameSource 按固定跳帧间隔随机访问录像帧
//
// Next 返回的 Mat 由调用方负责 Close。
type FrameSource interface {
	// Next 读取下一个粗粒度帧；没有剩余帧时返回 false
	Next() (gocv.Mat, bool)

	// Length 录像总帧数
	Length() uint

	// FPS 录像声明的帧率
	FPS() float64

	// FrameIndex 下一次读取的绝对帧序号
	FrameIndex() uint

	// CoarseIndex 已读取的粗粒度帧数
	CoarseIndex() uint

	// Rewind 回到录像起点并重置计数
	Rewind() error
}

// Footage 基于 gocv.VideoCapture 的 FrameSource 实现
type Footage struct {
	capture   *gocv.VideoCapture
	frameskip int

	length uint
	fps    float64
	width  int
	height int

	frameIndex  uint
	coarseIndex uint
}

// OpenFootage 打开录像文件
//
// 实时流等不可回绕的输入不受支持。
func OpenFootage(path string, frameskip int) (*Footage, error) {
	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}

	length := uint(capture.Get(gocv.VideoCaptureFrameCount))
	if length == 0 {
		capture.Close()
		return nil, fmt.Errorf("%w: %s has no frames", ErrInputUnavailable, path)
	}

	return &Footage{
		capture:   capture,
		frameskip: frameskip,
		length:    length,
		fps:       capture.Get(gocv.VideoCaptureFPS),
		width:     int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:    int(capture.Get(gocv.VideoCaptureFrameHeight)),
	}, nil
}

func (f *Footage) Next() (gocv.Mat, bool) {
	if f.frameIndex >= f.length {
		return gocv.NewMat(), false
	}

	frame := gocv.NewMat()
	if ok := f.capture.Read(&frame); !ok {
		frame.Close()
		return gocv.NewMat(), false
	}

	// 跳帧只抓取不解码
	f.capture.Grab(f.frameskip)

	f.coarseIndex++
	f.frameIndex += uint(f.frameskip) + 1

	return frame, true
}

func (f *Footage) Length() uint {
	return f.length
}

func (f *Footage) FPS() float64 {
	return f.fps
}

func (f *Footage) FrameIndex() uint {
	return f.frameIndex
}

func (f *Footage) CoarseIndex() uint {
	return f.coarseIndex
}

func (f *Footage) Rewind() error {
	f.capture.Set(gocv.VideoCapturePosFrames, 0)
	f.frameIndex = 0
	f.coarseIndex = 0

	return nil
}

// Width 录像帧宽度
func (f *Footage) Width() int {
	return f.width
}

// Height 录像帧高度
func (f *Footage) Height() int {
	return f.height
}

func (f *Footage) Close() error {
	return f.capture.Close()
}
