package service

import (
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// 有效的单应估计至少需要的匹配点对数
const minMatches = 5

// FeatureEngine 封装二进制关键点检测与匹配
//
// BRISK 检测子输出二进制描述子，配合汉明距离暴力匹配、
// 比值过滤和 RANSAC 单应精化。
type FeatureEngine struct {
	detector gocv.BRISK
	matcher  gocv.BFMatcher

	matchRatio      float64
	ransacThreshold float64
}

func NewFeatureEngine(matchRatio, ransacThreshold float64) *FeatureEngine {
	return &FeatureEngine{
		detector:        gocv.NewBRISK(),
		matcher:         gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
		matchRatio:      matchRatio,
		ransacThreshold: ransacThreshold,
	}
}

// Detect 计算图像的关键点和描述子
//
// 返回的描述子 Mat 由调用方负责 Close。
func (e *FeatureEngine) Detect(img gocv.Mat) ([]gocv.KeyPoint, gocv.Mat) {
	mask := gocv.NewMat()
	defer mask.Close()

	return e.detector.DetectAndCompute(img, mask)
}

// Match 两组描述子之间的 knn 匹配加比值过滤
func (e *FeatureEngine) Match(descriptors1, descriptors2 gocv.Mat) []gocv.DMatch {
	if descriptors1.Rows() < 2 || descriptors2.Rows() < 2 {
		return nil
	}

	knn := e.matcher.KnnMatch(descriptors1, descriptors2, 2)

	var best []gocv.DMatch

	for _, pair := range knn {
		if len(pair) < 2 {
			continue
		}

		if float64(pair[0].Distance) < e.matchRatio*float64(pair[1].Distance) {
			best = append(best, pair[0])
		}
	}

	return best
}

// RefineHomography 用 RANSAC 估计单应矩阵并筛选内点
//
// 匹配不足或估计退化时返回 nil。
func (e *FeatureEngine) RefineHomography(keypoints1, keypoints2 []gocv.KeyPoint,
	matches []gocv.DMatch) (*mat.Dense, []gocv.DMatch) {

	if len(matches) < minMatches {
		return nil, nil
	}

	src := gocv.NewMatWithSize(len(matches), 2, gocv.MatTypeCV64F)
	defer src.Close()
	dst := gocv.NewMatWithSize(len(matches), 2, gocv.MatTypeCV64F)
	defer dst.Close()

	for i, match := range matches {
		src.SetDoubleAt(i, 0, keypoints1[match.QueryIdx].X)
		src.SetDoubleAt(i, 1, keypoints1[match.QueryIdx].Y)
		dst.SetDoubleAt(i, 0, keypoints2[match.TrainIdx].X)
		dst.SetDoubleAt(i, 1, keypoints2[match.TrainIdx].Y)
	}

	inlierMask := gocv.NewMat()
	defer inlierMask.Close()

	homography := gocv.FindHomography(src, &dst, gocv.HomographyMethodRANSAC,
		e.ransacThreshold, &inlierMask, 2000, 0.995)
	defer homography.Close()

	if homography.Empty() {
		return nil, nil
	}

	var inliers []gocv.DMatch

	for i := range matches {
		if inlierMask.GetUCharAt(i, 0) != 0 {
			inliers = append(inliers, matches[i])
		}
	}

	return denseFromMat(homography), inliers
}

// denseFromMat 把 3x3 的 gocv 单应矩阵转成 gonum 稠密矩阵
func denseFromMat(homography gocv.Mat) *mat.Dense {
	if homography.Empty() || homography.Rows() != 3 || homography.Cols() != 3 {
		return nil
	}

	data := make([]float64, 0, 9)

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			data = append(data, homography.GetDoubleAt(r, c))
		}
	}

	return mat.NewDense(3, 3, data)
}

func (e *FeatureEngine) Close() {
	e.detector.Close()
	e.matcher.Close()
}
