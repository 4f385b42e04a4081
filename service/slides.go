package service

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/afalchetti/slidesync/utils"
)

// LoadSlides 从目录加载预先栅格化的幻灯片页面
//
// 文件按字典数值序排序（"slide-5" 在 "slide-23" 之前），
// 以灰度加载并缩放到录像画幅内，所有页面保持同一尺寸。
func LoadSlides(dir string, extensions []string, frameWidth, frameHeight int) ([]gocv.Mat, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read slides directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, allowed := range extensions {
			if ext == allowed {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no slide images found in %s", dir)
	}

	sort.Slice(files, func(i, k int) bool {
		return utils.CompareLexiconumerical(files[i], files[k]) < 0
	})

	var slides []gocv.Mat
	width, height := 0, 0

	for _, file := range files {
		slide := gocv.IMRead(file, gocv.IMReadGrayScale)
		if slide.Empty() {
			utils.Logger.Warn("failed to read slide image", zap.String("file", file))
			slide.Close()
			continue
		}

		if width == 0 {
			width, height = slide.Cols(), slide.Rows()
		} else if slide.Cols() != width || slide.Rows() != height {
			// 页面尺寸不一致，不支持
			utils.Logger.Warn("inconsistent slide size, skipping",
				zap.String("file", file),
				zap.Int("width", slide.Cols()),
				zap.Int("height", slide.Rows()))
			slide.Close()
			continue
		}

		slides = append(slides, slide)
	}

	if len(slides) == 0 {
		return nil, fmt.Errorf("no readable slide images in %s", dir)
	}

	// 缩放到录像画幅内，保持宽高比
	scalex := float64(frameWidth) / float64(width)
	scaley := float64(frameHeight) / float64(height)

	scale := scalex
	if scaley < scale {
		scale = scaley
	}

	if scale != 1.0 {
		target := image.Point{X: int(float64(width) * scale), Y: int(float64(height) * scale)}

		for i := range slides {
			resized := gocv.NewMat()
			gocv.Resize(slides[i], &resized, target, 0, 0, gocv.InterpolationArea)
			slides[i].Close()
			slides[i] = resized
		}
	}

	utils.Logger.Info("slides loaded",
		zap.Int("count", len(slides)),
		zap.Int("width", slides[0].Cols()),
		zap.Int("height", slides[0].Rows()))

	return slides, nil
}
