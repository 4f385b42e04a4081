package service

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/afalchetti/slidesync/model"
	"github.com/afalchetti/slidesync/utils"
)

// 每批重复编码的帧数，批之间让出控制权
const encodeBatch = 8

// GenLoop 按同步指令生成幻灯片视频
//
// 按时间顺序消费指令序列，为相邻指令之间的每个录像
// 时间步输出对应的幻灯片画面。
type GenLoop struct {
	slides       []gocv.Mat
	instructions []model.SyncInstruction
	framerate    uint

	encoder  FrameSink
	position int
	// 已生成到的绝对帧位置
	timestamp uint
	slide     int

	frames uint

	state      loopState
	processing atomic.Bool
	err        error

	onFinished func()
	onProgress func()
	finished   bool
}

// NewGenLoop 构造生成循环并打开输出文件
//
// 输出尺寸取幻灯片尺寸，帧率取同步指令序列的帧率。
func NewGenLoop(slides []gocv.Mat, instructions *model.SyncInstructions,
	outputPath, codec string) (*GenLoop, error) {

	if len(slides) == 0 {
		return nil, errors.New("no slides to generate video from")
	}

	if instructions.Framerate() == 0 {
		return nil, errors.New("sync instructions carry no framerate")
	}

	encoder, err := NewVideoEncoder(outputPath, codec,
		slides[0].Cols(), slides[0].Rows(), float64(instructions.Framerate()))
	if err != nil {
		return nil, err
	}

	return NewGenLoopWithSink(slides, instructions, encoder)
}

// NewGenLoopWithSink 用自定义输出构造生成循环
func NewGenLoopWithSink(slides []gocv.Mat, instructions *model.SyncInstructions,
	encoder FrameSink) (*GenLoop, error) {

	// 幻灯片是灰度图，预先转成编码器需要的三通道
	colored := make([]gocv.Mat, len(slides))
	for i := range slides {
		colored[i] = gocv.NewMat()

		if slides[i].Channels() == 1 {
			gocv.CvtColor(slides[i], &colored[i], gocv.ColorGrayToBGR)
		} else {
			slides[i].CopyTo(&colored[i])
		}
	}

	loop := &GenLoop{
		slides:       colored,
		instructions: instructions.Instructions(),
		framerate:    instructions.Framerate(),
		encoder:      encoder,
		state:        stateTrack,
	}

	if loop.position < len(loop.instructions) {
		// 首条指令落在 0 帧时先行生效，避免开头闪过上一张幻灯片
		first := loop.instructions[0]
		if first.Timestamp == 0 {
			switch first.Code {
			case model.CodeNext:
				loop.slide = 1
			case model.CodeGoTo:
				loop.slide = int(first.Data)
			}
		}

		if err := loop.write(); err != nil {
			loop.Close()
			return nil, err
		}
	}

	return loop, nil
}

// SetOnFinished 设置完成回调，恰好触发一次
func (loop *GenLoop) SetOnFinished(callback func()) {
	loop.onFinished = callback
}

// SetOnProgress 设置批间进度回调
func (loop *GenLoop) SetOnProgress(callback func()) {
	loop.onProgress = callback
}

// Err 返回编码错误（若有）
func (loop *GenLoop) Err() error {
	return loop.err
}

// Frames 已输出的帧数
func (loop *GenLoop) Frames() uint {
	return loop.frames
}

// Tick 推进一步；重入的调用会被直接丢弃
func (loop *GenLoop) Tick() {
	if !loop.processing.CompareAndSwap(false, true) {
		return
	}
	defer loop.processing.Store(false)

	switch loop.state {
	case stateTrack, stateInitialize:
		loop.writeframe()
	case stateIdle:
	}
}

func (loop *GenLoop) yield() {
	if loop.onProgress != nil {
		loop.onProgress()
	}
}

func (loop *GenLoop) fireFinished() {
	if loop.finished {
		return
	}

	loop.finished = true

	if loop.onFinished != nil {
		loop.onFinished()
	}
}

func (loop *GenLoop) fail(err error) {
	utils.Logger.Error("video generation failed", zap.Error(err))

	loop.err = err
	loop.state = stateIdle
	loop.fireFinished()
}

func (loop *GenLoop) write() error {
	if err := loop.encoder.Write(loop.slides[loop.slide]); err != nil {
		return err
	}

	loop.frames++

	return nil
}

func (loop *GenLoop) repeat(n int) error {
	if err := loop.encoder.Repeat(n); err != nil {
		return err
	}

	loop.frames += uint(n)

	return nil
}

// writeframe 执行一条指令：补齐间隔帧，再切换幻灯片
func (loop *GenLoop) writeframe() {
	if loop.position >= len(loop.instructions) {
		loop.state = stateIdle
		loop.fireFinished()
		return
	}

	instruction := loop.instructions[loop.position]

	delta := instruction.Timestamp
	if !instruction.Relative {
		delta = instruction.Timestamp - loop.timestamp
	}

	// 同一时间戳上的重叠指令不展开，
	// 否则大量重叠指令会把两帧的视频撑成上千帧
	if delta == 0 {
		loop.position++
		return
	}

	remaining := delta - 1

	for ; remaining > encodeBatch; remaining -= encodeBatch {
		utils.Logger.Debug("encoding",
			zap.String("timestamp", model.IndexToTimestamp(loop.timestamp+delta-remaining, loop.framerate)))

		if err := loop.repeat(encodeBatch); err != nil {
			loop.fail(err)
			return
		}

		loop.yield()
	}

	if err := loop.repeat(int(remaining)); err != nil {
		loop.fail(err)
		return
	}

	switch instruction.Code {
	case model.CodeNext:
		loop.slide++
	case model.CodePrevious:
		loop.slide--
	case model.CodeGoTo:
		loop.slide = int(instruction.Data)
	}

	// End 标记演示结束，间隔补齐后不再输出新帧
	if instruction.Code != model.CodeEnd {
		if err := loop.write(); err != nil {
			loop.fail(err)
			return
		}
	}

	loop.timestamp += delta
	loop.position++
}

// Close 关闭编码器并释放幻灯片副本
func (loop *GenLoop) Close() error {
	for i := range loop.slides {
		loop.slides[i].Close()
	}
	loop.slides = nil

	return loop.encoder.Close()
}
