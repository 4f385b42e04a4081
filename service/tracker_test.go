package service

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"

	"github.com/afalchetti/slidesync/config"
	"github.com/afalchetti/slidesync/model"
	"github.com/afalchetti/slidesync/utils"
)

func init() {
	// 测试里也要有可用的全局日志
	if utils.Logger == nil {
		_ = utils.InitLogger("release", "", "")
	}
}

func testTrackerConfig() *config.TrackerConfig {
	return &config.TrackerConfig{
		FrameSkip:        7,
		MatchRatio:       0.8,
		RANSACThreshold:  2.5,
		GoodCost:         20.0,
		ReasonableCost:   40.0,
		LargeCost:        1000.0,
		LargeDeviation:   10.0,
		LargeDeformation: 7.0,
	}
}

// makeSlide 渲染带独特纹理的合成幻灯片，同一 seed 结果相同
func makeSlide(t *testing.T, seed int64) gocv.Mat {
	t.Helper()

	slide := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0),
		480, 640, gocv.MatTypeCV8U)

	rng := rand.New(rand.NewSource(seed))

	for i := 0; i < 40; i++ {
		x := rng.Intn(560)
		y := rng.Intn(400)
		w := 20 + rng.Intn(60)
		h := 20 + rng.Intn(60)
		shade := uint8(rng.Intn(180))

		gocv.Rectangle(&slide, image.Rect(x, y, x+w, y+h),
			color.RGBA{R: shade, G: shade, B: shade, A: 255}, -1)
	}

	for i := 0; i < 20; i++ {
		x := 20 + rng.Intn(600)
		y := 20 + rng.Intn(440)
		radius := 5 + rng.Intn(20)
		shade := uint8(rng.Intn(255))

		gocv.Circle(&slide, image.Pt(x, y), radius,
			color.RGBA{R: shade, G: shade, B: shade, A: 255}, -1)
	}

	t.Cleanup(func() { slide.Close() })

	return slide
}

// frameFromSlide 把灰度幻灯片变成一帧彩色录像
func frameFromSlide(t *testing.T, slide gocv.Mat) gocv.Mat {
	t.Helper()

	frame := gocv.NewMat()
	gocv.CvtColor(slide, &frame, gocv.ColorGrayToBGR)

	t.Cleanup(func() { frame.Close() })

	return frame
}

// blankFrame 几乎没有特征的遮挡帧
func blankFrame(t *testing.T) gocv.Mat {
	t.Helper()

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0),
		480, 640, gocv.MatTypeCV8UC3)

	t.Cleanup(func() { frame.Close() })

	return frame
}

// stubSource 用预置帧序列模拟带跳帧的录像
type stubSource struct {
	frames    []gocv.Mat
	frameskip uint

	frameIndex  uint
	coarseIndex uint
}

func newStubSource(frames []gocv.Mat) *stubSource {
	return &stubSource{frames: frames, frameskip: 7}
}

func (s *stubSource) Next() (gocv.Mat, bool) {
	if s.frameIndex >= s.Length() {
		return gocv.NewMat(), false
	}

	frame := s.frames[s.coarseIndex].Clone()

	s.coarseIndex++
	s.frameIndex += s.frameskip + 1

	return frame, true
}

func (s *stubSource) Length() uint {
	return uint(len(s.frames)) * (s.frameskip + 1)
}

func (s *stubSource) FPS() float64 {
	return 24
}

func (s *stubSource) FrameIndex() uint {
	return s.frameIndex
}

func (s *stubSource) CoarseIndex() uint {
	return s.coarseIndex
}

func (s *stubSource) Rewind() error {
	s.frameIndex = 0
	s.coarseIndex = 0

	return nil
}

func runSyncLoop(t *testing.T, loop *SyncLoop) {
	t.Helper()

	finished := false
	loop.SetOnFinished(func() { finished = true })

	for i := 0; i < 10000 && !finished; i++ {
		loop.Tick()
	}

	if !finished {
		t.Fatal("tracker did not finish")
	}
}

func newTestLoop(t *testing.T, slides []gocv.Mat, frames []gocv.Mat) *SyncLoop {
	t.Helper()

	engine := NewFeatureEngine(0.8, 2.5)
	t.Cleanup(engine.Close)

	cachePath := filepath.Join(t.TempDir(), "raw.sync")

	loop := NewSyncLoop(testTrackerConfig(), newStubSource(frames), slides,
		engine, cachePath, nil, "")
	t.Cleanup(loop.Close)

	return loop
}

// transitions 过滤掉 End 之后的指令列表
func transitions(loop *SyncLoop) []model.SyncInstruction {
	var out []model.SyncInstruction

	for _, instruction := range loop.Instructions().Instructions() {
		if instruction.Code != model.CodeEnd {
			out = append(out, instruction)
		}
	}

	return out
}

func TestTrackerStaticDeck(t *testing.T) {
	slide := makeSlide(t, 1)
	slides := []gocv.Mat{slide, makeSlide(t, 1), makeSlide(t, 1)}

	frame := frameFromSlide(t, slide)
	frames := []gocv.Mat{frame, frame, frame}

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	if err := loop.Err(); err != nil {
		t.Fatalf("tracking failed: %v", err)
	}

	if moves := transitions(loop); len(moves) != 0 {
		t.Fatalf("static footage should emit no transitions, got %+v", moves)
	}
}

func TestTrackerSequentialSlides(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 10), makeSlide(t, 20), makeSlide(t, 30)}

	var frames []gocv.Mat
	for _, slide := range slides {
		frame := frameFromSlide(t, slide)
		frames = append(frames, frame, frame, frame)
	}

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	moves := transitions(loop)
	if len(moves) != 2 {
		t.Fatalf("expected exactly 2 transitions, got %+v", moves)
	}

	for i, expected := range []uint{24, 48} {
		if moves[i].Code != model.CodeNext {
			t.Fatalf("transition %d should be next, got %v", i, moves[i].Code)
		}

		if moves[i].Timestamp < expected || moves[i].Timestamp > expected+16 {
			t.Fatalf("transition %d at frame %d, want within [%d, %d]",
				i, moves[i].Timestamp, expected, expected+16)
		}
	}
}

func TestTrackerJumpEmitsGoTo(t *testing.T) {
	slides := make([]gocv.Mat, 6)
	for i := range slides {
		slides[i] = makeSlide(t, int64(100+i))
	}

	first := frameFromSlide(t, slides[0])
	target := frameFromSlide(t, slides[5])

	frames := []gocv.Mat{first, first}
	for i := 0; i < 12; i++ {
		frames = append(frames, target)
	}

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	found := false
	for _, instruction := range transitions(loop) {
		if instruction.Code == model.CodeGoTo && instruction.Data == 5 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected a go-to-5 instruction, got %+v", transitions(loop))
	}
}

func TestTrackerAlternatingSlides(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 40), makeSlide(t, 50)}

	a := frameFromSlide(t, slides[0])
	b := frameFromSlide(t, slides[1])

	frames := []gocv.Mat{a, a, b, b, a, a, b, b}

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	nexts, previouses := 0, 0
	for _, instruction := range transitions(loop) {
		switch instruction.Code {
		case model.CodeNext:
			nexts++
		case model.CodePrevious:
			previouses++
		}
	}

	if nexts < 1 || previouses < 1 {
		t.Fatalf("alternating footage should emit next and previous, got %+v", transitions(loop))
	}
}

func TestTrackerSurvivesOcclusion(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 60), makeSlide(t, 70)}

	visible := frameFromSlide(t, slides[0])
	occluded := blankFrame(t)

	frames := []gocv.Mat{visible, visible, visible}
	for i := 0; i < 20; i++ {
		frames = append(frames, occluded)
	}
	frames = append(frames, visible, visible, visible)

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	if moves := transitions(loop); len(moves) != 0 {
		t.Fatalf("occlusion should not emit transitions, got %+v", moves)
	}

	if loop.badCount != 0 {
		t.Fatalf("bad count should reset after the slide returns, got %d", loop.badCount)
	}
}

func TestTrackerInitialAlignmentFailure(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 80)}
	frames := []gocv.Mat{blankFrame(t), blankFrame(t)}

	loop := newTestLoop(t, slides, frames)
	runSyncLoop(t, loop)

	if !errors.Is(loop.Err(), ErrInitialAlignmentFailed) {
		t.Fatalf("expected initial alignment failure, got %v", loop.Err())
	}

	if loop.Instructions().Len() != 0 {
		t.Fatal("failed initialization should not emit instructions")
	}
}

func TestTrackerRestoresFromCacheFile(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 90), makeSlide(t, 91)}

	frame := frameFromSlide(t, slides[0])
	frames := []gocv.Mat{frame, frame}

	engine := NewFeatureEngine(0.8, 2.5)
	t.Cleanup(engine.Close)

	cachePath := filepath.Join(t.TempDir(), "raw.sync")

	cached := model.NewSyncInstructionsWithFramerate(2, 24)
	cached.Next(16, false)
	cached.End(32, false)

	if err := os.WriteFile(cachePath, []byte(cached.String()), 0644); err != nil {
		t.Fatalf("failed to seed cache file: %v", err)
	}

	loop := NewSyncLoop(testTrackerConfig(), newStubSource(frames), slides,
		engine, cachePath, nil, "")
	t.Cleanup(loop.Close)

	runSyncLoop(t, loop)

	if loop.Err() != nil {
		t.Fatalf("cache restore failed: %v", loop.Err())
	}

	if loop.Instructions().Len() != 2 || loop.Instructions().At(0).Code != model.CodeNext {
		t.Fatalf("cached instructions not restored: %+v", loop.Instructions().Instructions())
	}

	// 恢复后不应读取任何帧
	if loop.footage.CoarseIndex() != 0 {
		t.Fatal("cache hit should skip live tracking")
	}
}

func TestTrackerWritesCacheFile(t *testing.T) {
	slides := []gocv.Mat{makeSlide(t, 95), makeSlide(t, 96)}

	a := frameFromSlide(t, slides[0])
	b := frameFromSlide(t, slides[1])

	engine := NewFeatureEngine(0.8, 2.5)
	t.Cleanup(engine.Close)

	cachePath := filepath.Join(t.TempDir(), "raw.sync")

	loop := NewSyncLoop(testTrackerConfig(), newStubSource([]gocv.Mat{a, a, b, b}), slides,
		engine, cachePath, nil, "")
	t.Cleanup(loop.Close)

	runSyncLoop(t, loop)

	file, err := os.Open(cachePath)
	if err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	defer file.Close()

	parsed, err := model.ParseSyncInstructions(file)
	if err != nil {
		t.Fatalf("cache file not parseable: %v", err)
	}

	if parsed.Len() != loop.Instructions().Len() {
		t.Fatalf("cache file has %d instructions, tracker has %d",
			parsed.Len(), loop.Instructions().Len())
	}
}
