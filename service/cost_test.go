package service

import (
	"math"
	"testing"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/afalchetti/slidesync/config"
	"github.com/afalchetti/slidesync/model"
)

func identityHomography() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

func testKeypoints(n int) []gocv.KeyPoint {
	keypoints := make([]gocv.KeyPoint, n)
	for i := range keypoints {
		keypoints[i] = gocv.KeyPoint{X: float64(50 + 40*i), Y: float64(60 + 30*i)}
	}
	return keypoints
}

func identityMatches(n int) []gocv.DMatch {
	matches := make([]gocv.DMatch, n)
	for i := range matches {
		matches[i] = gocv.DMatch{QueryIdx: i, TrainIdx: i}
	}
	return matches
}

func testPose() model.Quad {
	return model.NewQuad(0, 0, 0, 480, 640, 480, 640, 0)
}

func TestMatchCostPerfectAlignment(t *testing.T) {
	keypoints := testKeypoints(6)
	pose := testPose()

	cost := matchCost(keypoints, keypoints, identityMatches(6), identityHomography(), pose, pose)

	if cost > 1e-9 {
		t.Fatalf("perfectly aligned frames should cost ~0, got %v", cost)
	}
}

func TestMatchCostInvalidInputs(t *testing.T) {
	keypoints := testKeypoints(6)
	pose := testPose()
	homography := identityHomography()

	if cost := matchCost(keypoints, keypoints, identityMatches(4), homography, pose, pose); !math.IsInf(cost, 1) {
		t.Fatalf("fewer than 5 matches should cost infinity, got %v", cost)
	}

	bowtie := model.NewQuad(0, 0, 640, 480, 0, 480, 640, 0)
	if cost := matchCost(keypoints, keypoints, identityMatches(6), homography, bowtie, pose); !math.IsInf(cost, 1) {
		t.Fatalf("non-convex pose should cost infinity, got %v", cost)
	}

	tiny := model.NewQuad(0, 0, 0, 5, 5, 5, 5, 0)
	if cost := matchCost(keypoints, keypoints, identityMatches(6), homography, pose, tiny); !math.IsInf(cost, 1) {
		t.Fatalf("tiny pose should cost infinity, got %v", cost)
	}

	huge := model.NewQuad(0, 0, 0, 5e4, 5e4, 5e4, 5e4, 0)
	if cost := matchCost(keypoints, keypoints, identityMatches(6), homography, pose, huge); !math.IsInf(cost, 1) {
		t.Fatalf("oversized pose should cost infinity, got %v", cost)
	}

	if cost := matchCost(keypoints, keypoints, identityMatches(6), nil, pose, pose); !math.IsInf(cost, 1) {
		t.Fatalf("missing homography should cost infinity, got %v", cost)
	}
}

func TestMatchCostNaNKeypoints(t *testing.T) {
	pose := testPose()
	homography := identityHomography()

	keypoints := testKeypoints(6)
	keypoints[0].X = math.NaN()

	cost := matchCost(keypoints, keypoints, identityMatches(6), homography, pose, pose)
	if math.IsInf(cost, 1) || math.IsNaN(cost) {
		t.Fatalf("a single NaN keypoint should be skipped, got %v", cost)
	}

	keypoints[1].X = math.NaN()

	cost = matchCost(keypoints, keypoints, identityMatches(6), homography, pose, pose)
	if !math.IsInf(cost, 1) {
		t.Fatalf("too many NaN keypoints should cost infinity, got %v", cost)
	}
}

func TestMatchCostDeformationMonotonic(t *testing.T) {
	keypoints := testKeypoints(6)
	pose := testPose()
	homography := identityHomography()

	// 只移动一个顶点，位移 s 对应形变 0.75*s
	previous := -1.0

	for _, shift := range []float64{8, 12, 16, 24} {
		warped := model.NewQuad(shift, 0, 0, 480, 640, 480, 640, 0)

		cost := matchCost(keypoints, keypoints, identityMatches(6), homography, pose, warped)

		if math.IsInf(cost, 1) {
			t.Fatalf("deformed but valid pose should have finite cost (shift %v)", shift)
		}

		if cost <= previous {
			t.Fatalf("cost should strictly increase with deformation: %v after %v (shift %v)",
				cost, previous, shift)
		}

		previous = cost
	}
}

func TestSlideMatchRatios(t *testing.T) {
	loop := &SyncLoop{cfg: &config.TrackerConfig{GoodCost: 20}}
	pose := testPose()
	homography := identityHomography()

	few := testKeypoints(10)
	if !loop.slideMatch(few, few, identityMatches(6), homography, pose, pose) {
		t.Fatal("6 of 10 keypoints matched should be accepted")
	}

	many := testKeypoints(100)
	if loop.slideMatch(many, many, identityMatches(6), homography, pose, pose) {
		t.Fatal("6 of 100 keypoints matched should be rejected below the great-match bar")
	}

	// 25/300 低于最低占比，只能靠匹配数达标通过
	crowded := testKeypoints(300)
	if !loop.slideMatch(crowded, crowded, identityMatches(25), homography, pose, pose) {
		t.Fatal("25 matches should be accepted regardless of ratio")
	}

	if loop.slideMatch(few, few, identityMatches(6), nil, pose, pose) {
		t.Fatal("missing homography should be rejected")
	}
}
