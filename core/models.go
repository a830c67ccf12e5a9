package core

// ========== 基础数据结构 ==========

// Video 一个已导入的讲座视频
type Video struct {
	ID          int64   `json:"video_id"`
	LectureName string  `json:"lecture_name"`
	VideoName   string  `json:"video_name"`
	FPS         float64 `json:"fps"`
	SourcePath  string  `json:"path"`
}

// SlideFrame 幻灯片切换点对应的帧
type SlideFrame struct {
	LectureName string `json:"lecture_name"`
	VideoID     int64  `json:"video_id"`
	FrameIndex  int    `json:"frame_index"`
	TimestampMS int64  `json:"timestamp"`
	ImagePath   string `json:"path"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Materialized reports whether the frame image has been extracted and stored.
func (f SlideFrame) Materialized() bool {
	return f.ImagePath != "" && f.Width > 0 && f.Height > 0
}

// Layout labels produced by the detector or by consolidation.
const (
	LabelHeader         = "header"
	LabelDocTitle       = "doc_title"
	LabelParagraphTitle = "paragraph_title"
	LabelFormula        = "formula"
	LabelText           = "text"
	LabelTable          = "table"
	LabelImage          = "image"
	LabelTitle          = "title"
)

// DefaultAllowedLabels 版面合并后保留的标签
var DefaultAllowedLabels = []string{
	LabelHeader, LabelDocTitle, LabelFormula, LabelText,
	LabelTable, LabelParagraphTitle, LabelImage, LabelTitle,
}

// Rect is a pixel rectangle in frame coordinates.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		X1: min(r.X1, o.X1),
		Y1: min(r.Y1, o.Y1),
		X2: max(r.X2, o.X2),
		Y2: max(r.Y2, o.Y2),
	}
}

// Valid reports x1<x2 and y1<y2.
func (r Rect) Valid() bool {
	return r.X1 < r.X2 && r.Y1 < r.Y2
}

// Coordinates returns [x1, y1, x2, y2].
func (r Rect) Coordinates() []float64 {
	return []float64{r.X1, r.Y1, r.X2, r.Y2}
}

// RawBox 版面检测模型对单张图片的原始输出
type RawBox struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Rect
}

// LayoutBox 合并后持久化的版面区域
type LayoutBox struct {
	LectureName string  `json:"lecture_name"`
	VideoID     int64   `json:"video_id"`
	FrameIndex  int     `json:"frame_index"`
	BoxID       int     `json:"box_id"`
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	Rect
}

// Transcript 整段转写结果
type Transcript struct {
	LectureName string `json:"lecture_name"`
	VideoID     int64  `json:"video_id"`
	Text        string `json:"transcript"`
	Language    string `json:"language"`
}

// Segment 转写器输出的带时间戳片段
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptSegment 持久化的转写片段
type TranscriptSegment struct {
	LectureName  string  `json:"lecture_name"`
	VideoID      int64   `json:"video_id"`
	SegmentIndex int     `json:"segment_index"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Text         string  `json:"text"`
}

// TranscriptChunk 语义连续的转写块
type TranscriptChunk struct {
	LectureName string    `json:"lecture_name"`
	VideoID     int64     `json:"video_id"`
	ChunkIndex  int       `json:"chunk_index"`
	StartTime   float64   `json:"start_time"`
	EndTime     float64   `json:"end_time"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	// Label is nil when label enrichment is disabled.
	Label *string `json:"label"`
}

// Explanation 针对某个版面区域生成的讲解
type Explanation struct {
	LectureName string    `json:"lecture_name"`
	VideoID     int64     `json:"video_id"`
	FrameIndex  int       `json:"frame_index"`
	BoxID       int       `json:"box_id"`
	Text        string    `json:"explanation"`
	Embedding   []float32 `json:"embedding"`
}

// ChunkHit 语义检索命中结果
type ChunkHit struct {
	Score     float64 `json:"score"`
	VideoID   int64   `json:"video_id"`
	ChunkIdx  int     `json:"chunk_index"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}
