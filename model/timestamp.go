package model

import (
	"fmt"
	"strings"
)

// nchars 十进制表示所需的字符数
func nchars(x uint) int {
	if x == 0 {
		return 1
	}

	n := 0
	for power := uint(1); x >= power; power *= 10 {
		n++
	}

	return n
}

// IndexToTimestamp 将帧序号格式化为 "HH:MM:SS.FF" 时间戳
//
// 帧字段宽度取决于帧率的十进制位数。帧率为 0 时返回空串。
func IndexToTimestamp(index uint, framerate uint) string {
	if framerate == 0 {
		return ""
	}

	frames := index % framerate
	totalseconds := index / framerate

	seconds := totalseconds % 60
	totalminutes := totalseconds / 60

	minutes := totalminutes % 60
	hours := totalminutes / 60

	return fmt.Sprintf("%02d:%02d:%02d.%0*d", hours, minutes, seconds, nchars(framerate), frames)
}

// TimestampToIndex 将 "HH:MM:SS.FF" 时间戳解析回帧序号
func TimestampToIndex(timestamp string, framerate uint) (uint, error) {
	parts := strings.SplitN(timestamp, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed timestamp %q", timestamp)
	}

	secframe := strings.SplitN(parts[2], ".", 2)
	if len(secframe) != 2 {
		return 0, fmt.Errorf("malformed timestamp %q", timestamp)
	}

	var hours, minutes, seconds, frames uint

	if _, err := fmt.Sscanf(parts[0], "%d", &hours); err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", timestamp, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minutes); err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", timestamp, err)
	}
	if _, err := fmt.Sscanf(secframe[0], "%d", &seconds); err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", timestamp, err)
	}
	if _, err := fmt.Sscanf(secframe[1], "%d", &frames); err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", timestamp, err)
	}

	return ((hours*60+minutes)*60+seconds)*framerate + frames, nil
}
