package service

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/afalchetti/slidesync/config"
	"github.com/afalchetti/slidesync/model"
	"github.com/afalchetti/slidesync/utils"
)

type loopState int

const (
	stateInitialize loopState = iota
	stateTrack
	stateIdle
)

func (s loopState) String() string {
	switch s {
	case stateInitialize:
		return "initialize"
	case stateTrack:
		return "track"
	default:
		return "idle"
	}
}

const (
	// 匹配数达到该值时不再要求关键点占比
	greatMatches = 20

	// 匹配数占关键点总数的最低比例
	minMatchRatio = 0.1

	// 慢速镜头移动的宽限像素
	deviationOffset = 5.0

	// 形变超过该值后代价按平方增长，重度形变强烈暗示幻灯片不对
	deformationOffset = 5.0

	// 幻灯片位姿面积的合理范围
	minSlideArea = 100.0
	maxSlideArea = 25e6
)

// SyncLoop 帧到幻灯片的跟踪管线
//
// 状态机 Initialize -> Track -> Idle，由外部驱动器以固定节奏
// 调用 Tick 推进，每次最多处理一个粗粒度帧。
type SyncLoop struct {
	cfg *config.TrackerConfig

	footage FrameSource
	slides  []gocv.Mat
	engine  *FeatureEngine

	cachePath string
	cache     *SyncCache
	cacheKey  string

	state      loopState
	processing atomic.Bool
	err        error

	slideKeypoints   [][]gocv.KeyPoint
	slideDescriptors []gocv.Mat

	slideIndex          int
	refFrame            gocv.Mat
	refFrameKeypoints   []gocv.KeyPoint
	refFrameDescriptors gocv.Mat
	refQuadKeypoints    []gocv.KeyPoint
	refQuadDescriptors  gocv.Mat
	refQuadIndices      []int
	refSlidepose        model.Quad
	prevSlidepose       model.Quad

	nearCount int
	badCount  int
	hasRef    bool

	instructions *model.SyncInstructions

	onFinished func()
	onProgress func()
	finished   bool

	// 跟踪状态只在 Tick 所在的 goroutine 上变更；
	// 状态接口并发读取的进度快照和指令序列由 mu 保护
	mu       sync.Mutex
	progress model.TrackerProgress
}

// NewSyncLoop 构造跟踪管线
//
// cache 可以为 nil，表示不使用 redis 缓存。
func NewSyncLoop(cfg *config.TrackerConfig, footage FrameSource, slides []gocv.Mat,
	engine *FeatureEngine, cachePath string, cache *SyncCache, cacheKey string) *SyncLoop {

	framerate := uint(math.Round(footage.FPS()))

	loop := &SyncLoop{
		cfg:          cfg,
		footage:      footage,
		slides:       slides,
		engine:       engine,
		cachePath:    cachePath,
		cache:        cache,
		cacheKey:     cacheKey,
		state:        stateInitialize,
		instructions: model.NewSyncInstructionsWithFramerate(uint(len(slides)), framerate),
	}
	loop.publishProgress()

	return loop
}

// SetOnFinished 设置完成回调，整个循环恰好触发一次
func (loop *SyncLoop) SetOnFinished(callback func()) {
	loop.onFinished = callback
}

// SetOnProgress 设置重负载阶段之间的进度回调
func (loop *SyncLoop) SetOnProgress(callback func()) {
	loop.onProgress = callback
}

// Tick 推进一步；重入的调用会被直接丢弃
func (loop *SyncLoop) Tick() {
	if !loop.processing.CompareAndSwap(false, true) {
		return
	}
	defer loop.processing.Store(false)

	switch loop.state {
	case stateInitialize:
		loop.initialize()
	case stateTrack:
		loop.track()
	case stateIdle:
	}

	loop.publishProgress()
}

// Err 返回致命错误（若有）
func (loop *SyncLoop) Err() error {
	return loop.err
}

// Instructions 返回指令序列；跟踪期间只有幻灯片总数 Slides() 保持不变，
// 其余内容只应在完成回调之后读取
func (loop *SyncLoop) Instructions() *model.SyncInstructions {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return loop.instructions
}

// SyncText 当前指令序列的文本形式
func (loop *SyncLoop) SyncText() string {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return loop.instructions.String()
}

// InstructionsSnapshot 当前指令序列的副本
func (loop *SyncLoop) InstructionsSnapshot() []model.SyncInstruction {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return loop.instructions.Instructions()
}

// publishProgress 在跟踪 goroutine 上刷新进度快照
//
// 状态、计数器和帧位置只被跟踪 goroutine 触碰，
// 跨 goroutine 的读取一律经由快照。
func (loop *SyncLoop) publishProgress() {
	snapshot := model.TrackerProgress{
		State:        loop.state.String(),
		FrameIndex:   loop.footage.FrameIndex(),
		CoarseIndex:  loop.footage.CoarseIndex(),
		Length:       loop.footage.Length(),
		SlideIndex:   loop.slideIndex,
		Instructions: loop.instructions.Len(),
		BadCount:     loop.badCount,
	}

	loop.mu.Lock()
	loop.progress = snapshot
	loop.mu.Unlock()
}

// Progress 最近发布的进度快照
func (loop *SyncLoop) Progress() model.TrackerProgress {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return loop.progress
}

func (loop *SyncLoop) yield() {
	if loop.onProgress != nil {
		loop.onProgress()
	}
}

func (loop *SyncLoop) fireFinished() {
	if loop.finished {
		return
	}

	loop.finished = true

	if loop.onFinished != nil {
		loop.onFinished()
	}
}

// pageQuad 幻灯片整页的顺时针 Quad
func pageQuad(slide gocv.Mat) model.Quad {
	width := float64(slide.Cols())
	height := float64(slide.Rows())

	return model.NewQuad(0, 0, 0, height, width, height, width, 0)
}

// quadPerspective 可处理退化情况的 Quad 透视变换，
// 单应为 nil 时把 Quad 压缩到原点
func quadPerspective(quad model.Quad, homography *mat.Dense) model.Quad {
	if homography == nil {
		return model.Quad{}
	}

	return quad.Perspective(homography)
}

// quadFilter 过滤出落在 Quad 内的关键点及其描述子
//
// 返回查找表 m，m[i] 为原序号 i 在子集中的序号，不在 Quad 内记 -1。
func quadFilter(keypoints []gocv.KeyPoint, descriptors gocv.Mat,
	quad model.Quad) ([]gocv.KeyPoint, gocv.Mat, []int) {

	lookup := make([]int, len(keypoints))
	inside := make([]int, 0, len(keypoints))

	for i := range keypoints {
		if quad.Inside(keypoints[i].X, keypoints[i].Y) {
			lookup[i] = len(inside)
			inside = append(inside, i)
		} else {
			lookup[i] = -1
		}
	}

	quadKeypoints := make([]gocv.KeyPoint, 0, len(inside))
	for _, i := range inside {
		quadKeypoints = append(quadKeypoints, keypoints[i])
	}

	if len(inside) == 0 || descriptors.Empty() {
		return quadKeypoints, gocv.NewMat(), lookup
	}

	// BRISK 描述子是连续的 CV8U 矩阵，按行拷贝即可
	cols := descriptors.Cols()
	data := descriptors.ToBytes()
	subset := make([]byte, 0, len(inside)*cols)

	for _, i := range inside {
		subset = append(subset, data[i*cols:(i+1)*cols]...)
	}

	quadDescriptors, err := gocv.NewMatFromBytes(len(inside), cols, descriptors.Type(), subset)
	if err != nil {
		return quadKeypoints, gocv.NewMat(), lookup
	}

	return quadKeypoints, quadDescriptors, lookup
}

// matchCost 综合重投影误差与位姿变化的匹配代价
//
// 输入不合法时返回 +Inf。
func matchCost(keypoints1, keypoints2 []gocv.KeyPoint, matches []gocv.DMatch,
	homography *mat.Dense, slidepose1, slidepose2 model.Quad) float64 {

	inf := math.Inf(1)

	if len(matches) < minMatches {
		return inf
	}

	if !slidepose1.ConvexClockwise() || !slidepose2.ConvexClockwise() {
		return inf
	}

	if slidepose1.Area() < minSlideArea || slidepose2.Area() < minSlideArea {
		return inf
	}

	if slidepose1.Area() > maxSlideArea || slidepose2.Area() > maxSlideArea {
		return inf
	}

	if homography == nil {
		return inf
	}

	deviation, deformation := slidepose1.Deviation(slidepose2)

	deviationCost := 0.0
	if deviation > deviationOffset {
		deviationCost = deviation - deviationOffset
	}

	deformationCost := 0.0
	if deformation > deformationOffset {
		deformationCost = (deformation - deformationOffset) * (deformation - deformationOffset)
	}

	reprojection := 0.0
	matchsize := len(matches)

	point := mat.NewVecDense(3, nil)
	var projected mat.VecDense

	for _, match := range matches {
		keypoint := keypoints1[match.QueryIdx]

		point.SetVec(0, keypoint.X)
		point.SetVec(1, keypoint.Y)
		point.SetVec(2, 1)

		projected.MulVec(homography, point)

		w := projected.AtVec(2)
		dx := projected.AtVec(0)/w - keypoints2[match.TrainIdx].X
		dy := projected.AtVec(1)/w - keypoints2[match.TrainIdx].Y

		cost := math.Sqrt(dx*dx + dy*dy)

		if !math.IsNaN(cost) {
			reprojection += cost
		} else {
			matchsize--
		}
	}

	// 部分匹配可能是 NaN，需要再次检查数量
	if matchsize < minMatches {
		return inf
	}

	return reprojection/float64(matchsize) + deviationCost + deformationCost
}

// slideMatch 判断两帧的幻灯片区域是否匹配良好
func (loop *SyncLoop) slideMatch(keypoints1, keypoints2 []gocv.KeyPoint,
	matches []gocv.DMatch, homography *mat.Dense, slidepose1, slidepose2 model.Quad) bool {

	if len(matches) < minMatches {
		return false
	}

	if homography == nil {
		return false
	}

	ratio1 := float64(len(matches)) / float64(len(keypoints1))
	ratio2 := float64(len(matches)) / float64(len(keypoints2))

	if len(matches) < greatMatches && (ratio1 < minMatchRatio || ratio2 < minMatchRatio) {
		return false
	}

	cost := matchCost(keypoints1, keypoints2, matches, homography, slidepose1, slidepose2)

	return cost < loop.cfg.GoodCost
}

// tryCachedInstructions 尝试从 redis 或磁盘缓存恢复同步结果
func (loop *SyncLoop) tryCachedInstructions() bool {
	if loop.cache != nil && loop.cacheKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		text, err := loop.cache.GetSyncText(ctx, loop.cacheKey)
		cancel()

		if err != nil {
			utils.Logger.Warn("failed to query sync cache", zap.Error(err))
		} else if text != "" {
			parsed, err := model.ParseSyncInstructions(strings.NewReader(text))
			if err == nil {
				utils.Logger.Info("sync instructions restored from redis",
					zap.String("key", loop.cacheKey),
					zap.Int("instructions", parsed.Len()))

				loop.mu.Lock()
				loop.instructions = parsed
				loop.mu.Unlock()

				return true
			}

			utils.Logger.Warn("can't parse cached sync instructions", zap.Error(err))
		}
	}

	file, err := os.Open(loop.cachePath)
	if err != nil {
		return false
	}
	defer file.Close()

	parsed, err := model.ParseSyncInstructions(file)
	if err != nil {
		// 缓存解析失败不致命，继续在线跟踪
		utils.Logger.Warn("can't parse instructions file",
			zap.String("path", loop.cachePath), zap.Error(err))
		return false
	}

	utils.Logger.Info("sync instructions restored from cache file",
		zap.String("path", loop.cachePath),
		zap.Int("instructions", parsed.Len()))

	loop.mu.Lock()
	loop.instructions = parsed
	loop.mu.Unlock()

	return true
}

// initialize 预处理幻灯片特征并在首帧中定位投影区域
func (loop *SyncLoop) initialize() {
	for i := range loop.slides {
		keypoints, descriptors := loop.engine.Detect(loop.slides[i])

		loop.slideKeypoints = append(loop.slideKeypoints, keypoints)
		loop.slideDescriptors = append(loop.slideDescriptors, descriptors)

		loop.yield()
	}

	if loop.tryCachedInstructions() {
		loop.state = stateIdle
		loop.fireFinished()
		return
	}

	// 窥视首帧定位投影区域后回绕到起点，
	// 不可回绕的输入（实时摄像头流等）不受支持
	frame, ok := loop.footage.Next()
	if !ok {
		frame.Close()

		loop.err = ErrInputUnavailable
		loop.state = stateIdle
		loop.fireFinished()
		return
	}

	loop.footage.Rewind()

	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	frame.Close()

	frameKeypoints, frameDescriptors := loop.engine.Detect(gray)
	loop.yield()

	matches := loop.engine.Match(loop.slideDescriptors[0], frameDescriptors)
	loop.yield()

	homography, _ := loop.engine.RefineHomography(loop.slideKeypoints[0], frameKeypoints, matches)
	loop.yield()

	if homography == nil {
		utils.Logger.Error("can't find a robust matching for the first frame")
		gray.Close()
		frameDescriptors.Close()

		loop.err = ErrInitialAlignmentFailed
		loop.state = stateIdle
		loop.fireFinished()
		return
	}

	slidepose := quadPerspective(pageQuad(loop.slides[0]), homography)

	loop.refFrame = gray
	loop.refFrameKeypoints = frameKeypoints
	loop.refFrameDescriptors = frameDescriptors
	loop.refSlidepose = slidepose
	loop.prevSlidepose = slidepose
	loop.refQuadKeypoints, loop.refQuadDescriptors, loop.refQuadIndices =
		quadFilter(frameKeypoints, frameDescriptors, slidepose)
	loop.hasRef = true

	utils.Logger.Info("tracker initialized",
		zap.Int("slides", len(loop.slides)),
		zap.Uint("frames", loop.footage.Length()),
		zap.String("slidepose", slidepose.String()))

	loop.state = stateTrack
}

// candidateIndices 弱匹配时的候选幻灯片集合
func (loop *SyncLoop) candidateIndices() []int {
	if loop.badCount < 7 {
		neighborhood := [7]int{loop.slideIndex,
			loop.slideIndex + 1, loop.slideIndex - 1,
			loop.slideIndex + 2, loop.slideIndex - 2,
			loop.slideIndex + 3, loop.slideIndex - 3}

		candidates := make([]int, 0, len(neighborhood))
		for _, index := range neighborhood {
			if index >= 0 && index < len(loop.slides) {
				candidates = append(candidates, index)
			}
		}

		return candidates
	}

	// 第一次全量扫描需要连续 7 个坏帧，之后每 4 个坏帧重扫一次
	loop.badCount -= 4

	candidates := make([]int, len(loop.slides))
	for i := range candidates {
		candidates[i] = i
	}

	return candidates
}

// finish 落盘同步结果并停机
func (loop *SyncLoop) finish() {
	loop.mu.Lock()
	loop.instructions.End(loop.footage.Length(), false)
	text := loop.instructions.String()
	loop.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(loop.cachePath), 0755); err != nil {
		utils.Logger.Warn("failed to create intermediates directory", zap.Error(err))
	} else if err := os.WriteFile(loop.cachePath, []byte(text), 0644); err != nil {
		utils.Logger.Warn("failed to write sync cache file",
			zap.String("path", loop.cachePath), zap.Error(err))
	}

	if loop.cache != nil && loop.cacheKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := loop.cache.SetSyncText(ctx, loop.cacheKey, text); err != nil {
			utils.Logger.Warn("failed to store sync cache", zap.Error(err))
		}
		cancel()
	}

	loop.state = stateIdle
	loop.fireFinished()
}

// track 单步跟踪：差分匹配参考帧，弱匹配时做多候选搜索
func (loop *SyncLoop) track() {
	coarse := loop.footage.CoarseIndex()

	frame, ok := loop.footage.Next()
	if !ok {
		frame.Close()
		loop.finish()
		return
	}

	// 先用参考位姿近似当前 Quad；如果真实位姿偏离过大，
	// 参考帧会被更新成当前帧来抑制后续误差
	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	frame.Close()

	frameKeypoints, frameDescriptors := loop.engine.Detect(gray)
	loop.yield()

	matches := loop.engine.Match(loop.refFrameDescriptors, frameDescriptors)
	loop.yield()

	homography, _ := loop.engine.RefineHomography(loop.refFrameKeypoints, frameKeypoints, matches)
	slidepose := quadPerspective(loop.refSlidepose, homography)

	quadKeypoints, quadDescriptors, quadIndices := quadFilter(frameKeypoints, frameDescriptors, slidepose)
	defer quadDescriptors.Close()

	quadMatches := make([]gocv.DMatch, 0, len(matches))

	for _, match := range matches {
		refIndex := loop.refQuadIndices[match.QueryIdx]
		quadIndex := quadIndices[match.TrainIdx]

		if refIndex >= 0 && quadIndex >= 0 {
			quadMatches = append(quadMatches, gocv.DMatch{
				QueryIdx: refIndex,
				TrainIdx: quadIndex,
				Distance: match.Distance,
			})
		}
	}

	loop.yield()

	hardframe := false
	makeKeyframe := false
	goodmatch := true
	newSlideIndex := loop.slideIndex

	if homography == nil || !loop.slideMatch(loop.refQuadKeypoints, quadKeypoints,
		quadMatches, homography, loop.refSlidepose, slidepose) {
		// 弱匹配，检查其它幻灯片是否更合适
		hardframe = true

		bestSlide := loop.slideIndex
		var bestHomography *mat.Dense
		var bestMatches []gocv.DMatch
		var bestSlidepose model.Quad
		bestCost := math.Inf(1)

		for _, candidate := range loop.candidateIndices() {
			candidateMatches := loop.engine.Match(loop.slideDescriptors[candidate], frameDescriptors)
			loop.yield()

			candidateHomography, inliers := loop.engine.RefineHomography(
				loop.slideKeypoints[candidate], frameKeypoints, candidateMatches)
			loop.yield()

			candidatePose := quadPerspective(pageQuad(loop.slides[candidate]), candidateHomography)

			cost := matchCost(loop.slideKeypoints[candidate], frameKeypoints,
				inliers, candidateHomography, loop.refSlidepose, candidatePose)

			if cost < bestCost {
				bestSlide = candidate
				bestSlidepose = candidatePose
				bestHomography = candidateHomography
				bestMatches = inliers
				bestCost = cost
			}

			loop.yield()
		}

		if bestCost >= loop.cfg.LargeCost {
			// 以上一帧位姿为替代参考评估近失误
			altCost := matchCost(loop.slideKeypoints[bestSlide], frameKeypoints,
				bestMatches, bestHomography, loop.prevSlidepose, bestSlidepose)

			if altCost < loop.cfg.ReasonableCost {
				loop.nearCount++

				if loop.nearCount >= 3 {
					bestCost = altCost
				}
			} else {
				loop.nearCount = 0
			}
		} else {
			loop.nearCount = 0
		}

		if bestCost < loop.cfg.LargeCost {
			loop.badCount = 0
		} else {
			// 这一帧太差，跳过它并期待下一帧更好
			makeKeyframe = false
			goodmatch = false
			loop.badCount++
		}

		newSlideIndex = bestSlide
		slidepose = bestSlidepose

		if goodmatch && bestSlide != loop.slideIndex {
			makeKeyframe = true

			loop.mu.Lock()
			timestamp := loop.footage.FrameIndex()

			var accepted bool
			switch bestSlide {
			case loop.slideIndex + 1:
				accepted = loop.instructions.Next(timestamp, false)
			case loop.slideIndex - 1:
				accepted = loop.instructions.Previous(timestamp, false)
			default:
				accepted = loop.instructions.GoTo(timestamp, uint(bestSlide), false)
			}
			loop.mu.Unlock()

			if !accepted {
				utils.Logger.Warn("sync instruction rejected",
					zap.Uint("timestamp", timestamp),
					zap.Int("slide", bestSlide))
			}
		}
	} else {
		loop.badCount = 0
		loop.nearCount = 0
	}

	deviation, deformation := loop.refSlidepose.Deviation(slidepose)

	if goodmatch && (deviation > loop.cfg.LargeDeviation || deformation > loop.cfg.LargeDeformation) {
		makeKeyframe = true
	}

	if makeKeyframe {
		loop.slideIndex = newSlideIndex

		loop.refFrame.Close()
		loop.refFrameDescriptors.Close()
		loop.refQuadDescriptors.Close()

		loop.refFrame = gray
		loop.refFrameKeypoints = frameKeypoints
		loop.refFrameDescriptors = frameDescriptors
		loop.refSlidepose = slidepose
		loop.refQuadKeypoints, loop.refQuadDescriptors, loop.refQuadIndices =
			quadFilter(frameKeypoints, frameDescriptors, slidepose)
	} else {
		gray.Close()
		frameDescriptors.Close()
	}

	loop.prevSlidepose = slidepose

	utils.Logger.Debug("frame processed",
		zap.Uint("coarse", coarse),
		zap.Uint("frame", loop.footage.FrameIndex()),
		zap.String("timestamp", model.IndexToTimestamp(loop.footage.FrameIndex(), loop.instructions.Framerate())),
		zap.Int("slide", loop.slideIndex+1),
		zap.Bool("keyframe", makeKeyframe),
		zap.Bool("hard", hardframe))
}

// Close 释放跟踪过程持有的所有矩阵
func (loop *SyncLoop) Close() {
	for i := range loop.slideDescriptors {
		loop.slideDescriptors[i].Close()
	}
	loop.slideDescriptors = nil

	if loop.hasRef {
		loop.refFrame.Close()
		loop.refFrameDescriptors.Close()
		loop.refQuadDescriptors.Close()
		loop.hasRef = false
	}
}
