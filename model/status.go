package model

// TrackerProgress 跟踪进度快照
type TrackerProgress struct {
	State        string `json:"state"` // initialize, track, idle
	FrameIndex   uint   `json:"frame_index"`
	CoarseIndex  uint   `json:"coarse_index"`
	Length       uint   `json:"length"`
	SlideIndex   int    `json:"slide_index"`
	Instructions int    `json:"instructions"`
	BadCount     int    `json:"bad_count"`
}

// SyncResponse 同步结果响应
type SyncResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Slides  uint              `json:"slides,omitempty"`
	Data    []SyncInstruction `json:"data,omitempty"`
}

// ProgressResponse 进度查询响应
type ProgressResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    *TrackerProgress `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
